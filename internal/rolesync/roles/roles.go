// Package roles maps subscription plans onto the community roles that
// represent them.
package roles

import (
	"fmt"
	"strconv"
	"strings"

	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanEmpire  Plan = "empire"
)

// Plans lists every tier in ascending order.
var Plans = []Plan{PlanFree, PlanStarter, PlanPro, PlanEmpire}

// ParsePlan normalizes s and returns the matching plan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanFree, PlanStarter, PlanPro, PlanEmpire:
		return p, nil
	}
	return "", &syncerrors.ConfigError{Kind: syncerrors.ConfigUnknownPlan, Value: s}
}

// Config holds the role ID configured for each plan.
type Config struct {
	Free    string
	Starter string
	Pro     string
	Empire  string
}

func (c Config) byPlan() map[Plan]string {
	return map[Plan]string{
		PlanFree:    strings.TrimSpace(c.Free),
		PlanStarter: strings.TrimSpace(c.Starter),
		PlanPro:     strings.TrimSpace(c.Pro),
		PlanEmpire:  strings.TrimSpace(c.Empire),
	}
}

// Validate checks that every plan has a numeric role ID and that no two plans
// share one.
func (c Config) Validate() error {
	seen := make(map[string]Plan, len(Plans))
	ids := c.byPlan()
	for _, plan := range Plans {
		id := ids[plan]
		if id == "" {
			return &syncerrors.ConfigError{Kind: syncerrors.ConfigInvalidRoleMap, Value: string(plan), Reason: "role ID is required"}
		}
		if !isSnowflake(id) {
			return &syncerrors.ConfigError{Kind: syncerrors.ConfigInvalidRoleMap, Value: id, Reason: fmt.Sprintf("role ID for %s is not a numeric snowflake", plan)}
		}
		if other, dup := seen[id]; dup {
			return &syncerrors.ConfigError{Kind: syncerrors.ConfigInvalidRoleMap, Value: id, Reason: fmt.Sprintf("role ID shared by %s and %s", other, plan)}
		}
		seen[id] = plan
	}
	return nil
}

func isSnowflake(id string) bool {
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}

// Mapper resolves plans to role IDs. It is immutable after construction and
// safe for concurrent use.
type Mapper struct {
	byPlan  map[Plan]string
	managed map[string]Plan
}

// NewMapper validates cfg and builds a Mapper.
func NewMapper(cfg Config) (*Mapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	byPlan := cfg.byPlan()
	managed := make(map[string]Plan, len(byPlan))
	for plan, id := range byPlan {
		managed[id] = plan
	}
	return &Mapper{byPlan: byPlan, managed: managed}, nil
}

// DesiredRole returns the single role a member on plan should hold.
func (m *Mapper) DesiredRole(plan Plan) (string, error) {
	id, ok := m.byPlan[plan]
	if !ok {
		return "", &syncerrors.ConfigError{Kind: syncerrors.ConfigUnknownPlan, Value: string(plan)}
	}
	return id, nil
}

// IsManaged reports whether roleID belongs to the managed set.
func (m *Mapper) IsManaged(roleID string) bool {
	_, ok := m.managed[roleID]
	return ok
}
