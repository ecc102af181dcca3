package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound              = errors.New("not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnavailable           = errors.New("unavailable")
	ErrRejected              = errors.New("rejected")
	ErrInvalidGrant          = errors.New("invalid grant")
	ErrIdentityAlreadyLinked = errors.New("identity already linked")
	ErrTokenExpired          = errors.New("token expired")
	ErrUnknownPlan           = errors.New("unknown plan")
	ErrInvalidRoleMap        = errors.New("invalid role map")
)

// TransportKind categorizes failures surfaced by the platform HTTP client.
type TransportKind string

const (
	TransportNotFound    TransportKind = "not_found"
	TransportRateLimited TransportKind = "rate_limited"
	TransportUnavailable TransportKind = "unavailable"
	TransportRejected    TransportKind = "rejected"
)

// TransportError is returned by the platform client once its own retry budget
// for a request is spent, or immediately for non-transient responses.
type TransportError struct {
	Kind       TransportKind
	Method     string
	Route      string
	StatusCode int    // 0 for network failures
	Code       int    // platform error code from the JSON body, if any
	Message    string // platform error message from the JSON body, if any
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.Route, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d", e.StatusCode)
		if e.Code != 0 {
			fmt.Fprintf(&b, ", code %d", e.Code)
		}
		b.WriteString(")")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == TransportNotFound
	case ErrRateLimited:
		return e.Kind == TransportRateLimited
	case ErrUnavailable:
		return e.Kind == TransportUnavailable
	case ErrRejected:
		return e.Kind == TransportRejected
	}
	return false
}

// Retryable reports whether a later attempt of the same request may succeed.
func (e *TransportError) Retryable() bool {
	return e.Kind == TransportUnavailable || e.Kind == TransportRateLimited
}

// NewTransportError builds a TransportError classified from an HTTP status.
func NewTransportError(method, route string, statusCode int) *TransportError {
	return &TransportError{
		Kind:       KindForStatus(statusCode),
		Method:     method,
		Route:      route,
		StatusCode: statusCode,
	}
}

// KindForStatus maps a non-2xx HTTP status to a transport kind.
func KindForStatus(statusCode int) TransportKind {
	switch {
	case statusCode == http.StatusNotFound:
		return TransportNotFound
	case statusCode == http.StatusTooManyRequests:
		return TransportRateLimited
	case statusCode >= 500:
		return TransportUnavailable
	default:
		return TransportRejected
	}
}

// LinkKind categorizes identity linking failures.
type LinkKind string

const (
	LinkInvalidGrant          LinkKind = "invalid_grant"
	LinkIdentityAlreadyLinked LinkKind = "identity_already_linked"
	LinkTokenExpired          LinkKind = "token_expired"
)

// LinkError is surfaced to the user-facing flow for re-authentication and is
// never retried automatically.
type LinkError struct {
	Kind   LinkKind
	Op     string
	UserID string
	Err    error
}

func (e *LinkError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.UserID != "" {
		msg = fmt.Sprintf("%s failed for user %s: %s", e.Op, e.UserID, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func (e *LinkError) Is(target error) bool {
	switch target {
	case ErrInvalidGrant:
		return e.Kind == LinkInvalidGrant
	case ErrIdentityAlreadyLinked:
		return e.Kind == LinkIdentityAlreadyLinked
	case ErrTokenExpired:
		return e.Kind == LinkTokenExpired
	}
	return false
}

// NewLinkError creates a new LinkError
func NewLinkError(kind LinkKind, op, userID string, err error) *LinkError {
	return &LinkError{Kind: kind, Op: op, UserID: userID, Err: err}
}

// MembershipKind categorizes membership failures.
type MembershipKind string

const (
	MembershipNotFound     MembershipKind = "not_found"
	MembershipTokenExpired MembershipKind = "token_expired"
	MembershipTransport    MembershipKind = "transport"
)

// MembershipError reports why an identity could not be confirmed as a member
// of the community.
type MembershipError struct {
	Kind   MembershipKind
	UserID string
	Err    error
}

func (e *MembershipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ensure membership for %s: %s: %v", e.UserID, e.Kind, e.Err)
	}
	return fmt.Sprintf("ensure membership for %s: %s", e.UserID, e.Kind)
}

func (e *MembershipError) Unwrap() error {
	return e.Err
}

func (e *MembershipError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == MembershipNotFound
	case ErrTokenExpired:
		return e.Kind == MembershipTokenExpired
	}
	return false
}

// NewMembershipError creates a new MembershipError
func NewMembershipError(kind MembershipKind, userID string, err error) *MembershipError {
	return &MembershipError{Kind: kind, UserID: userID, Err: err}
}

// ConfigKind categorizes deployment/configuration defects.
type ConfigKind string

const (
	ConfigUnknownPlan    ConfigKind = "unknown_plan"
	ConfigInvalidRoleMap ConfigKind = "invalid_role_map"
)

// ConfigError indicates a deployment defect. It is fatal and never retried.
type ConfigError struct {
	Kind   ConfigKind
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("config error (%s) %q: %s", e.Kind, e.Value, e.Reason)
	}
	return fmt.Sprintf("config error (%s) %q", e.Kind, e.Value)
}

func (e *ConfigError) Is(target error) bool {
	switch target {
	case ErrUnknownPlan:
		return e.Kind == ConfigUnknownPlan
	case ErrInvalidRoleMap:
		return e.Kind == ConfigInvalidRoleMap
	}
	return false
}

// Helper functions

// IsRetryable reports whether the failure is transient and the caller should
// re-queue the work rather than discard it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Retryable()
	}
	return false
}

// IsNotFound reports whether err is a transport or membership not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusCode extracts the HTTP status of the underlying platform response,
// or 0 when err did not come from one.
func StatusCode(err error) int {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.StatusCode
	}
	return 0
}

// Label returns a bounded, metric-safe label describing err.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		transportErr  *TransportError
		linkErr       *LinkError
		membershipErr *MembershipError
		configErr     *ConfigError
	)
	switch {
	case errors.As(err, &membershipErr):
		return "membership_" + string(membershipErr.Kind)
	case errors.As(err, &linkErr):
		return "link_" + string(linkErr.Kind)
	case errors.As(err, &configErr):
		return "config_" + string(configErr.Kind)
	case errors.As(err, &transportErr):
		return "transport_" + string(transportErr.Kind)
	}
	return "internal"
}

// HTTPStatus maps err to the status an inbound API should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownPlan), errors.Is(err, ErrInvalidRoleMap), errors.Is(err, ErrInvalidGrant):
		return http.StatusBadRequest
	case errors.Is(err, ErrIdentityAlreadyLinked):
		return http.StatusConflict
	case errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusConflict
	case IsRetryable(err), errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
