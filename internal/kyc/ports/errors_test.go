package ports

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "kycgate/pkg/domain-errors"
)

func TestCall_ReturnsResult(t *testing.T) {
	v, err := Call(context.Background(), "ocr", time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCall_HungBackendTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Call(context.Background(), "scanner", 20*time.Millisecond, func(context.Context) (struct{}, error) {
		<-release // ignores its context
		return struct{}{}, nil
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeCapabilityTimeout))
	assert.True(t, IsTransient(err))
}

func TestCall_ParentCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, "scanner", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, dErrors.HasCode(err, dErrors.CodeCapabilityTimeout))
}

func TestCall_PanicBecomesError(t *testing.T) {
	_, err := Call(context.Background(), "ocr", time.Second, func(context.Context) (int, error) {
		panic("boom")
	})
	var ce *CapabilityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorInternal, ce.Category)
	assert.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewCapabilityError(ErrorUnavailable, "sms", "503", nil)))
	assert.False(t, IsTransient(NewCapabilityError(ErrorBadData, "ocr", "garbled", nil)))
	assert.False(t, IsTransient(errors.New("plain")))
}
