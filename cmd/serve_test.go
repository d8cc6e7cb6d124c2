package cmd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// slowPipeline finishes its in-flight work some time after ctx ends.
func slowPipeline(finished *atomic.Bool) func(context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}
}

func TestServeDrainsPipelineBeforeShutdown(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	var finished, drainedFirst atomic.Bool
	released := make(chan struct{})

	done := make(chan struct{})
	go func() {
		serveUntilDone(ctx, stop, zap.NewNop(), slowPipeline(&finished),
			func() error { <-released; return nil },
			func(context.Context) error {
				drainedFirst.Store(finished.Load())
				close(released)
				return nil
			},
		)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilDone did not return")
	}
	if !drainedFirst.Load() {
		t.Fatal("server shut down while the pipeline was still running")
	}
}

func TestServeStopsPipelineWhenServerFails(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var finished, drainedFirst atomic.Bool

	done := make(chan struct{})
	go func() {
		serveUntilDone(ctx, stop, zap.NewNop(), slowPipeline(&finished),
			func() error { return errors.New("address already in use") },
			func(context.Context) error {
				drainedFirst.Store(finished.Load())
				return nil
			},
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serveUntilDone did not return after server failure")
	}
	if !drainedFirst.Load() {
		t.Fatal("pipeline was not drained before shutdown")
	}
}

func TestServeWithoutPipeline(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	var shut atomic.Bool
	released := make(chan struct{})
	stop()

	serveUntilDone(ctx, stop, zap.NewNop(), nil,
		func() error { <-released; return nil },
		func(context.Context) error { shut.Store(true); close(released); return nil },
	)
	if !shut.Load() {
		t.Fatal("server was not shut down")
	}
}
