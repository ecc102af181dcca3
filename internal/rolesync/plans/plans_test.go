package plans

import (
	"context"
	"testing"

	"github.com/rcourtman/pulse-rolesync/internal/crypto"
	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/registry"
	"github.com/rcourtman/pulse-rolesync/internal/rolesync/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) (*Book, *registry.LinkRegistry) {
	t.Helper()
	cipher, err := crypto.NewTokenCipher("plans-test-token-key")
	require.NoError(t, err)
	reg, err := registry.NewLinkRegistry(t.TempDir(), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return NewBook(reg), reg
}

func TestCurrentDefaultsToFree(t *testing.T) {
	book, _ := newTestBook(t)
	plan, err := book.Current(context.Background(), "u_1")
	require.NoError(t, err)
	assert.Equal(t, roles.PlanFree, plan)
}

func TestRecordThenCurrent(t *testing.T) {
	book, _ := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, book.Record(ctx, "u_1", roles.PlanPro))
	plan, err := book.Current(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, roles.PlanPro, plan)

	require.NoError(t, book.Record(ctx, "u_1", roles.PlanStarter))
	plan, err = book.Current(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, roles.PlanStarter, plan)
}

func TestRecordRejectsUnknownPlan(t *testing.T) {
	book, _ := newTestBook(t)
	err := book.Record(context.Background(), "u_1", roles.Plan("platinum"))
	assert.ErrorIs(t, err, syncerrors.ErrUnknownPlan)
}

func TestCurrentRejectsCorruptRecord(t *testing.T) {
	book, reg := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, reg.SetPlan(ctx, "u_1", "legacy-gold"))

	_, err := book.Current(ctx, "u_1")
	assert.ErrorIs(t, err, syncerrors.ErrUnknownPlan)
}
