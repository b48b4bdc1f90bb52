package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryClosedSet(t *testing.T) {
	reg := NewRegistry([]Class{ClassCoder, ClassReviewer}, nil)

	err := reg.Register(ClassCoder, InvokerFunc(func(_ context.Context, _ Class, in []byte) ([]byte, error) {
		return in, nil
	}))
	require.NoError(t, err)

	t.Run("unknown class rejected", func(t *testing.T) {
		err := reg.Register(Class("welder"), InvokerFunc(nil))
		require.Error(t, err)
		assert.Equal(t, KindValidation, Classify(err))
	})

	t.Run("dispatch known", func(t *testing.T) {
		out, err := reg.Invoke(context.Background(), ClassCoder, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), out)
	})

	t.Run("dispatch unbound", func(t *testing.T) {
		_, err := reg.Invoke(context.Background(), ClassReviewer, nil)
		require.Error(t, err)
		assert.Equal(t, KindValidation, Classify(err))
	})

	t.Run("classes sorted", func(t *testing.T) {
		assert.Equal(t, []Class{ClassCoder, ClassReviewer}, reg.Classes())
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"context cancelled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindCancelled},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindCancelled},
		{"tagged permanent", Errorf(KindPermanent, "bad request"), KindPermanent},
		{"wrapped tagged", fmt.Errorf("outer: %w", Errorf(KindRateLimited, "429")), KindRateLimited},
		{"untagged defaults transient", errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Errorf(KindTransient, "5xx")))
	assert.True(t, Retryable(Errorf(KindRateLimited, "429")))
	assert.True(t, Retryable(Errorf(KindBreakerOpen, "open")))
	assert.False(t, Retryable(Errorf(KindPermanent, "400")))
	assert.False(t, Retryable(Errorf(KindValidation, "cycle")))
	assert.False(t, Retryable(context.Canceled))
}

func TestContextCarriers(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithAPIKeyID(ctx, "k1")

	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "k1", APIKeyID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
