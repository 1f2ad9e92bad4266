package workers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	runs    atomic.Int32
	failure error
	panics  bool
}

func (w *countingWorker) Run(ctx context.Context) error {
	w.runs.Add(1)
	if w.panics {
		panic("boom")
	}
	return w.failure
}

func TestSupervisor_Worker_Finishing_Cleanly_Is_Not_Restarted(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	sup := NewSupervisor(log, 10*time.Millisecond)
	worker := &countingWorker{}

	done := make(chan struct{})
	go func() {
		sup.Add(worker)
		sup.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("supervisor did not stop after worker finished")
	}
	req.Equal(int32(1), worker.runs.Load())
}

func TestSupervisor_Restarts_Panicking_Worker(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	sup := NewSupervisor(log, time.Millisecond)
	worker := &countingWorker{panics: true}

	go func() {
		sup.Add(worker)
		sup.Run(context.Background())
	}()

	// The worker keeps panicking; the supervisor keeps bringing it back
	req.Eventually(func() bool {
		return worker.runs.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	sup.Stop()
}

func TestSupervisor_Stop_Cancels_Blocked_Worker(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	sup := NewSupervisor(log, 10*time.Millisecond)

	blocked := blockingWorker{}
	done := make(chan struct{})
	go func() {
		sup.Add(blocked)
		sup.Run(context.Background())
		close(done)
	}()

	// Give the worker time to start blocking, then stop everything
	time.Sleep(20 * time.Millisecond)
	sup.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("supervisor did not shut down")
	}
}

type blockingWorker struct{}

func (blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSupervisor_Stop_From_Another_Goroutine(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	sup := NewSupervisor(log, 10*time.Millisecond)

	// Stop before Run is a no-op
	sup.Stop()

	sup.Add(blockingWorker{})
	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	// Run and Stop race from different goroutines; Stop keeps retrying
	// until the supervisor has published its cancel trigger
	req.Eventually(func() bool {
		sup.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
