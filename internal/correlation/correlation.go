// Package correlation provides hierarchical identifiers that thread through
// every log line, error row, and trace span produced for one ingestion
// request. The canonical form is req_<uuid>[.stage_<name>[.retry_<n>]].
package correlation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID is an immutable correlation identifier. Assigned exactly once per
// level; downstream code passes it by value and logs it verbatim.
type ID string

const (
	requestPrefix = "req_"
	stagePrefix   = "stage_"
	retryPrefix   = "retry_"
)

// NewRequest returns a fresh request-level identifier req_<uuid-v4>.
func NewRequest() ID {
	return ID(requestPrefix + uuid.NewString())
}

// FromRequestID wraps an existing request UUID in the canonical form.
func FromRequestID(requestID string) ID {
	return ID(requestPrefix + strings.ToLower(requestID))
}

// Stage extends a request-level identifier with a stage level. Any stage or
// retry level already present is replaced so the result is always exactly
// req_<uuid>.stage_<name>.
func (id ID) Stage(stage string) ID {
	p, ok := Parse(string(id))
	if !ok {
		return ID(fmt.Sprintf("%s.%s%s", id, stagePrefix, stage))
	}
	return ID(fmt.Sprintf("%s%s.%s%s", requestPrefix, p.RequestID, stagePrefix, stage))
}

// Retry extends a stage-level identifier with a retry level. Calling it on
// an identifier that already carries a retry level replaces the attempt
// number, keeping the hierarchy at exactly three levels.
func (id ID) Retry(attempt int) ID {
	p, ok := Parse(string(id))
	if !ok || p.Stage == "" {
		return ID(fmt.Sprintf("%s.%s%d", id, retryPrefix, attempt))
	}
	return ID(fmt.Sprintf("%s%s.%s%s.%s%d", requestPrefix, p.RequestID, stagePrefix, p.Stage, retryPrefix, attempt))
}

// RequestID returns the bare request UUID, or "" when the identifier does
// not parse.
func (id ID) RequestID() string {
	p, ok := Parse(string(id))
	if !ok {
		return ""
	}
	return p.RequestID
}

// String returns the canonical textual form.
func (id ID) String() string { return string(id) }

// Parts is the decomposition of a canonical identifier, used for log
// filtering and for grouping performance records by request.
type Parts struct {
	RequestID string
	Stage     string
	Retry     int
	HasRetry  bool
}

// Parse splits a canonical identifier into its parts. It returns ok=false
// for anything that does not match the grammar; callers treat such values
// as opaque.
func Parse(s string) (Parts, bool) {
	var p Parts
	if !strings.HasPrefix(s, requestPrefix) {
		return p, false
	}
	segments := strings.Split(s, ".")
	reqID := strings.TrimPrefix(segments[0], requestPrefix)
	if _, err := uuid.Parse(reqID); err != nil {
		return p, false
	}
	p.RequestID = strings.ToLower(reqID)

	if len(segments) == 1 {
		return p, true
	}
	if !strings.HasPrefix(segments[1], stagePrefix) {
		return p, false
	}
	p.Stage = strings.TrimPrefix(segments[1], stagePrefix)
	if p.Stage == "" {
		return p, false
	}

	if len(segments) == 2 {
		return p, true
	}
	if len(segments) != 3 || !strings.HasPrefix(segments[2], retryPrefix) {
		return p, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(segments[2], retryPrefix))
	if err != nil || n < 0 {
		return p, false
	}
	p.Retry = n
	p.HasRetry = true
	return p, true
}
