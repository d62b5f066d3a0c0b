package model

import (
	"time"
)

// Field limits for rule-authoring input. These cap what a caller can push
// into Postgres TEXT columns and the compilation pipeline.
const (
	MaxUnitNameLen    = 200
	MaxRawTextLen     = 16 * 1024
	MaxActionsPerUnit = 50
)

// UserRole is the RBAC role carried in JWT claims.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleAuthor UserRole = "author"
	RoleReader UserRole = "reader"
)

var roleRank = map[UserRole]int{
	RoleReader: 1,
	RoleAuthor: 2,
	RoleAdmin:  3,
}

// RoleAtLeast reports whether role meets or exceeds min.
func RoleAtLeast(role, min UserRole) bool {
	return roleRank[role] >= roleRank[min]
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse reports service health for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	Redis       string `json:"redis"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	WaitingRuns int64  `json:"waiting_runs"`
	Uptime      int64  `json:"uptime_seconds"`
}

// CreateUserRequest registers a new principal (admin only). The API key is
// hashed before storage; the plaintext is never persisted.
type CreateUserRequest struct {
	Name   string   `json:"name"`
	Role   UserRole `json:"role"`
	APIKey string   `json:"api_key"`
}

// UpsertConnectionRequest registers or rotates a provider connection so
// webhook deliveries can be attributed and signature-verified.
type UpsertConnectionRequest struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Secret   string `json:"secret,omitempty"`
}

// AuthTokenRequest exchanges an API key for a JWT.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries the issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UnitCandidate is the untrusted structure produced by the external rule
// compiler (or supplied pre-structured by the caller). It passes
// Unit.Validate before persistence; the translator's output is never
// trusted unchecked.
type UnitCandidate struct {
	Name       string      `json:"name"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []Action    `json:"actions"`
}

// CreateUnitRequest creates a rule either from raw when/if/then text
// (routed through the compiler) or from a pre-structured candidate.
// Exactly one of RawText and Structured must be set.
type CreateUnitRequest struct {
	Name       string         `json:"name,omitempty"`
	RawText    string         `json:"raw_text,omitempty"`
	Structured *UnitCandidate `json:"structured,omitempty"`
}

// UpdateUnitStatusRequest transitions a Unit between active/paused/disabled.
type UpdateUnitStatusRequest struct {
	Status UnitStatus `json:"status"`
}

// Delivery is one raw webhook delivery as received from a provider.
type Delivery struct {
	Provider     string         `json:"provider"`
	ConnectionID string         `json:"connection_id"`
	ResourceID   string         `json:"resource_id"`
	ActivityID   string         `json:"activity_id"`
	Signature    string         `json:"-"` // from header, not body
	Records      []RawRecord    `json:"records"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RawRecord is one changed upstream record inside a delivery. A single
// record may shape into multiple semantically distinct Events.
type RawRecord struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields"`
	Before map[string]any `json:"before,omitempty"`
}

// DeliveryResult reports the outcome of shaping one delivery.
type DeliveryResult struct {
	Produced  int            `json:"produced"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Failures  []ShapeFailure `json:"failures,omitempty"`
}

// ShapeFailure is a per-record shaping or emission failure. Failures are
// collected; one bad record never blocks its siblings.
type ShapeFailure struct {
	RecordIndex int    `json:"record_index"`
	Reason      string `json:"reason"`
}

// RunDetail is a Run with its full step audit log, for the inspection API.
type RunDetail struct {
	Run   Run       `json:"run"`
	Steps []RunStep `json:"steps"`
}
