package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marcus-qen/librarius/internal/stage"
)

type fakeNetError struct {
	msg     string
	timeout bool
}

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return e.timeout }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ClassPermanent},
		{"taxonomy transient external", stage.NewError(stage.CodeTransientExternal, "embedding service hiccup"), ClassTransient},
		{"taxonomy validation", stage.NewError(stage.CodeValidation, "bad document"), ClassPermanent},
		{"taxonomy prerequisite", stage.NewError(stage.CodePrerequisite, "text_extraction incomplete"), ClassPermanent},
		{"taxonomy permanent external", stage.NewError(stage.CodePermanentExternal, "rejected"), ClassPermanent},
		{"taxonomy unknown stage", stage.NewError(stage.CodeUnknownStage, "no such stage"), ClassPermanent},
		{"taxonomy forbidden in prod", stage.NewError(stage.CodeForbiddenInProd, "baseline overwrite"), ClassPermanent},
		{"taxonomy cancelled", stage.NewError(stage.CodeCancelled, "request cancelled"), ClassPermanent},
		{"taxonomy code beats http status", &stage.Error{Code: stage.CodePermanentExternal, Message: "told to stop", HTTPStatus: 503}, ClassPermanent},
		{"internal code with 503", &stage.Error{Code: stage.CodeInternal, Message: "upstream", HTTPStatus: 503}, ClassTransient},
		{"internal code with 429", &stage.Error{Code: stage.CodeInternal, Message: "throttled", HTTPStatus: 429}, ClassTransient},
		{"internal code with 408", &stage.Error{Code: stage.CodeInternal, Message: "slow", HTTPStatus: 408}, ClassTransient},
		{"internal code with 404", &stage.Error{Code: stage.CodeInternal, Message: "gone", HTTPStatus: 404}, ClassPermanent},
		{"internal code with 400", &stage.Error{Code: stage.CodeInternal, Message: "rejected", HTTPStatus: 400}, ClassPermanent},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline exceeded", fmt.Errorf("calling ai service: %w", context.DeadlineExceeded), ClassTransient},
		{"net timeout", &fakeNetError{msg: "read tcp 10.0.0.1:443", timeout: true}, ClassTransient},
		{"net non-timeout falls through", &fakeNetError{msg: "protocol fault", timeout: false}, ClassPermanent},
		{"connection refused text", errors.New("dial tcp 127.0.0.1:5432: connection refused"), ClassTransient},
		{"connection reset text", errors.New("read: connection reset by peer"), ClassTransient},
		{"no such host text", errors.New("lookup minio: no such host"), ClassTransient},
		{"service unavailable text", errors.New("service unavailable, try later"), ClassTransient},
		{"schema mismatch text", errors.New("schema mismatch in table payload"), ClassPermanent},
		{"checksum mismatch text", errors.New("checksum mismatch for source object"), ClassPermanent},
		{"unknown text defaults permanent", errors.New("something inexplicable"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

// A message matching both tables must classify the same way every time:
// permanent fragments are checked first.
func TestClassifyAmbiguousTextIsDeterministic(t *testing.T) {
	err := errors.New("validation failed: upstream timeout")
	for i := 0; i < 5; i++ {
		if got := Classify(err); got != ClassPermanent {
			t.Fatalf("pass %d: Classify = %q, want %q", i, got, ClassPermanent)
		}
	}
}

func TestClassifyWrappedTaxonomyCode(t *testing.T) {
	inner := stage.WrapError(stage.CodeTransientExternal, errors.New("boom"), "embed call")
	err := fmt.Errorf("running stage: %w", inner)
	if got := Classify(err); got != ClassTransient {
		t.Errorf("Classify(wrapped) = %q, want %q", got, ClassTransient)
	}
}
