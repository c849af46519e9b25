package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := New(context.Background(), 4)

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		p.Submit(Task{Name: "t", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
	}

	results := p.Wait()
	assert.Equal(t, int32(20), ran.Load())
	assert.Len(t, results, 20)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestPool_OneFailureDoesNotAbortSiblings(t *testing.T) {
	p := New(context.Background(), 2)

	boom := errors.New("boom")
	var ok atomic.Int32
	p.Submit(Task{Name: "bad", Run: func(ctx context.Context) error { return boom }})
	for i := 0; i < 5; i++ {
		p.Submit(Task{Name: "good", Run: func(ctx context.Context) error {
			ok.Add(1)
			return nil
		}})
	}

	results := p.Wait()
	assert.Equal(t, int32(5), ok.Load())

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	p := New(context.Background(), 3)

	var inFlight, peak atomic.Int32
	for i := 0; i < 12; i++ {
		p.Submit(Task{Name: "t", Run: func(ctx context.Context) error {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}})
	}
	p.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRetryTransient_EventuallySucceeds(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), nil, "obj", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return apperrors.New(apperrors.TypeTransfer, "flaky link", "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryTransient_NonTransientIsTerminal(t *testing.T) {
	attempts := 0
	err := RetryTransient(context.Background(), nil, "obj", func(ctx context.Context) error {
		attempts++
		return apperrors.ErrIntegrityMismatch
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "integrity failures are never retried")
	assert.True(t, apperrors.IsType(err, apperrors.TypeIntegrity))
}

func TestRetryTransient_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := RetryTransient(ctx, nil, "obj", func(ctx context.Context) error {
		return apperrors.New(apperrors.TypeTransfer, "unreachable", "")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
