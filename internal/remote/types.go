package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/repcue/localsync/internal/schema"
	"github.com/repcue/localsync/internal/syncerr"
)

// Status is the per-record outcome of a batch push.
type Status string

const (
	StatusOK       Status = "ok"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// BatchRequest is the body of a batch push.
type BatchRequest struct {
	Records []schema.Wire `json:"records"`
}

// BatchResponse is the reply to a batch push, one result per record.
type BatchResponse struct {
	Results []Result `json:"results"`
}

// Result is the remote verdict on one pushed record.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Version and UpdatedAt are the authoritative values stored by the
	// remote. They are set for ok and conflict results.
	Version   uint64     `json:"version,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// Record is the server copy, sent with conflict results.
	Record *schema.Wire `json:"record,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err converts a non-ok result into the matching syncerr error. It returns
// nil for ok results.
func (r Result) Err(kind schema.Kind) error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusConflict:
		return &syncerr.ConflictError{Kind: string(kind), ID: r.ID, RemoteVersion: r.Version}
	case StatusRejected:
		return &syncerr.RejectionError{StatusCode: http.StatusUnprocessableEntity, Code: r.Code, Message: r.Message}
	default:
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("status %q", r.Status)
		}
		return syncerr.Transient(errors.New(msg))
	}
}

// ChangeSet is one page of remote changes for a kind.
type ChangeSet struct {
	Records []schema.Wire `json:"records"`

	// Cursor is passed as since on the next call. It is opaque.
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more,omitempty"`
}

// HTTPError is a non-2xx reply that is not a per-record result.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// classify maps an HTTP status to the sync error taxonomy: 408, 429 and 5xx
// are transient, 401 is transient because the token may be refreshed, every
// other 4xx is a permanent rejection.
func classify(e *HTTPError) error {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode >= 500:
		return syncerr.Transient(e)
	case e.StatusCode >= 400:
		return &syncerr.RejectionError{StatusCode: e.StatusCode, Code: e.Code, Message: e.Message}
	default:
		return syncerr.Transient(e)
	}
}
