// Package bridge exposes a runtime.Backend over JSON/HTTP and provides the
// matching client, so the control plane can drive a container daemon on
// another host.
//
// Every request carries the shared key in the X-Bridge-API-Key header.
// Failures come back as {"error": "...", "code": "..."} and the client maps
// the code onto the runtime error taxonomy.
package bridge

// APIKeyHeader carries the shared bridge secret.
const APIKeyHeader = "X-Bridge-API-Key"

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound     = "not_found"
	CodeCreateFailed = "create_failed"
	CodeUnavailable  = "unavailable"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ErrorResponse is returned by the bridge on every failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PullRequest is the body for POST /images/pull.
type PullRequest struct {
	Image string `json:"image"`
}

// CreateResponse is returned by POST /containers.
type CreateResponse struct {
	ID string `json:"id"`
}

// StopRequest is the body for POST /containers/{id}/stop.
type StopRequest struct {
	GraceMillis int64 `json:"grace_ms"`
}

// LogsResponse is returned by GET /containers/{id}/logs.
type LogsResponse struct {
	Logs string `json:"logs"`
}
