package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homestats/internal/logging"
)

func TestSubmitSyncReturnsRunError(t *testing.T) {
	rt := New(logging.NewNop(), 8)
	rt.Start()
	defer rt.Close()

	boom := errors.New("boom")
	err := rt.SubmitSync(context.Background(), Task{
		Kind: "test",
		Run: func(ctx context.Context) (Result, error) {
			return Result{}, boom
		},
	})
	assert.Error(t, err)
}

func TestSubmitSyncSucceeds(t *testing.T) {
	rt := New(logging.NewNop(), 8)
	rt.Start()
	defer rt.Close()

	var ran atomic.Bool
	err := rt.SubmitSync(context.Background(), Task{
		Kind: "test",
		Run: func(ctx context.Context) (Result, error) {
			ran.Store(true)
			return Result{Done: true}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestRetriesTransientErrorThenSucceeds(t *testing.T) {
	rt := New(logging.NewNop(), 8)
	rt.Start()
	defer rt.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	rt.Submit(Task{
		Kind:       "retry-me",
		MaxRetries: 5,
		Run: func(ctx context.Context) (Result, error) {
			n := attempts.Add(1)
			if n < 3 {
				return Result{}, errTransient{}
			}
			close(done)
			return Result{Done: true}, nil
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded after retries")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	rt := New(logging.NewNop(), 8)
	rt.Start()
	defer rt.Close()

	err := rt.SubmitSync(context.Background(), Task{
		Kind: "import",
		Run: func(ctx context.Context) (Result, error) {
			return Result{}, &ValidationError{Field: "start", Message: "naive timestamp"}
		},
	})
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

// errTransient satisfies storage.IsTransient's text-based SQLite
// fallback signature.
type errTransient struct{}

func (errTransient) Error() string { return "database is locked" }
