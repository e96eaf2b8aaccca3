package writeback

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vttsync/internal/apperr"
)

func fastWriter() *Writer {
	return New(Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, nil)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastWriter(), "patch token", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, apperr.Transient("dial", io.EOF)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustedIsTerminal(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastWriter(), "put fog", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, apperr.Transient("503", nil)
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTerminal, apperr.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastWriter(), "insert roll", func(context.Context) (int, error) {
		calls++
		return 0, apperr.Permission("dm only")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, apperr.KindTerminal, apperr.KindOf(err))
	assert.True(t, errors.Is(err, apperr.ErrPermission), "cause kind must stay reachable")
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, w, "patch token", func(context.Context) (int, error) {
			return 0, apperr.Transient("dial", io.EOF)
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, apperr.KindTerminal, apperr.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDefaultsFillZeroPolicy(t *testing.T) {
	w := New(Policy{}, nil)
	assert.Equal(t, DefaultPolicy(), w.policy)
}
