// Package retry decides whether failed stage executions run again and
// when. The classifier splits failures into transient and permanent; the
// orchestrator performs one synchronous retry and schedules the rest as
// asynchronous tasks; the scheduler fires those tasks when due.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/marcus-qen/librarius/internal/stage"
)

// Classification outcomes. These are the error_type values persisted on
// pipeline_errors rows.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
)

// permanentKinds are error-text fragments that signal a fault retrying
// cannot fix.
var permanentKinds = []string{
	"validation",
	"authentication",
	"unauthorized",
	"forbidden",
	"permission denied",
	"malformed",
	"missing required",
	"schema mismatch",
	"invalid input",
	"checksum mismatch",
}

// transientKinds are error-text fragments that signal a fault worth
// retrying.
var transientKinds = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"no such host",
	"name resolution",
	"too many requests",
	"service unavailable",
	"i/o error",
}

// transientHTTPStatus reports whether an HTTP status is worth retrying.
func transientHTTPStatus(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// Classify maps a stage failure to transient or permanent. It never fails;
// anything it cannot place defaults to permanent so unknown faults are not
// retried blindly.
func Classify(err error) string {
	if err == nil {
		return ClassPermanent
	}

	// A taxonomy code on the chain is authoritative, except internal
	// errors, which fall through to the weaker signals below.
	switch stage.CodeOf(err) {
	case stage.CodeTransientExternal:
		return ClassTransient
	case stage.CodeValidation, stage.CodePrerequisite, stage.CodePermanentExternal,
		stage.CodeUnknownStage, stage.CodeForbiddenInProd, stage.CodeCancelled:
		return ClassPermanent
	}

	if status := stage.HTTPStatusOf(err); status != 0 {
		if transientHTTPStatus(status) {
			return ClassTransient
		}
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	text := strings.ToLower(err.Error())
	for _, kind := range permanentKinds {
		if strings.Contains(text, kind) {
			return ClassPermanent
		}
	}
	for _, kind := range transientKinds {
		if strings.Contains(text, kind) {
			return ClassTransient
		}
	}

	return ClassPermanent
}
