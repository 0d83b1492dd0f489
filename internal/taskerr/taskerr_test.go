package taskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient(errors.New("connection refused")), KindTransient},
		{"transientf", Transientf("attempt %d failed", 2), KindTransient},
		{"permanent", Permanent(errors.New("unknown platform")), KindPermanent},
		{"missing result", MissingResult(errors.New("no video URL")), KindMissingResult},
		{"timeout", Timeout(errors.New("poll ceiling reached")), KindTimeout},
		{"plain error defaults to transient", errors.New("boom"), KindTransient},
		{"nil defaults to transient", nil, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := Permanent(errors.New("bad payload"))
	wrapped := fmt.Errorf("handling task: %w", inner)
	assert.Equal(t, KindPermanent, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient(errors.New("x"))))
	assert.True(t, Retryable(errors.New("unclassified")))
	assert.False(t, Retryable(Permanent(errors.New("x"))))
	assert.False(t, Retryable(MissingResult(errors.New("x"))))
	assert.False(t, Retryable(Timeout(errors.New("x"))))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Permanent(fmt.Errorf("context: %w", cause))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "permanent")
	assert.Contains(t, err.Error(), "root cause")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "missing_result", KindMissingResult.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
