package backup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"

	"github.com/kebairia/redis-backup/internal/logger"
	"github.com/kebairia/redis-backup/internal/storage"
)

// SourcePreparer turns the attempt's snapshot into the file that is
// actually uploaded, e.g. a compressed copy. cleanup may be nil.
type SourcePreparer func(ctx context.Context, a Attempt) (path string, cleanup func(), err error)

// CoordinatorOption defines a functional option for configuring a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTransferTimeout bounds each upload call.
func WithTransferTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithParallel uploads to all targets at once. Outcomes keep target order.
func WithParallel(parallel bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.parallel = parallel
	}
}

// WithClock overrides the clock used to time transfers.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithSourcePreparer installs a hook run once before the first upload.
func WithSourcePreparer(prepare SourcePreparer) CoordinatorOption {
	return func(c *Coordinator) {
		if prepare != nil {
			c.prepare = prepare
		}
	}
}

// Coordinator copies the snapshot to every target and records one outcome
// per target. A failing target never stops the ones after it.
type Coordinator struct {
	uploaders storage.Registry
	log       logger.Logger
	clock     clock.Clock
	timeout   time.Duration
	parallel  bool
	prepare   SourcePreparer
}

// NewCoordinator creates a Coordinator over the given uploaders.
func NewCoordinator(uploaders storage.Registry, log logger.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		uploaders: uploaders,
		log:       log,
		clock:     clock.WallClock,
		prepare: func(_ context.Context, a Attempt) (string, func(), error) {
			return a.SourceFile, nil, nil
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the attempt against targets in order and returns the
// aggregated run. The caller decides the exit status from Run.Status.
func (c *Coordinator) Run(ctx context.Context, a Attempt, targets []Target) *Run {
	run := &Run{
		Attempt:   a,
		Outcomes:  make([]Outcome, len(targets)),
		StartedAt: c.clock.Now(),
	}
	defer func() { run.FinishedAt = c.clock.Now() }()

	if a.DryRun {
		for i, t := range targets {
			run.Outcomes[i] = c.describe(a, t)
		}
		return run
	}

	src, cleanup, err := c.prepare(ctx, a)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		c.log.Error("prepare snapshot failed", "source", a.SourceFile, "error", err.Error())
		for i, t := range targets {
			run.Outcomes[i] = c.failed(t, ObjectPath(a, t), fmt.Errorf("prepare snapshot: %w", err), 0)
		}
		return run
	}

	if !c.parallel {
		for i, t := range targets {
			run.Outcomes[i] = c.transfer(ctx, a, t, src)
		}
		return run
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			// each goroutine owns exactly one slot
			run.Outcomes[i] = c.transfer(ctx, a, t, src)
		}(i, t)
	}
	wg.Wait()
	return run
}

// describe logs the transfer a dry run would perform.
func (c *Coordinator) describe(a Attempt, t Target) Outcome {
	dst := ObjectPath(a, t)
	size := "unknown"
	if info, err := os.Stat(a.SourceFile); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	c.log.Info("dry run: would copy snapshot",
		"source", a.SourceFile,
		"destination", dst,
		"size", size,
		"compress", a.Compress,
	)
	return Outcome{Target: t, Path: dst, Status: StatusSkipped}
}

func (c *Coordinator) transfer(ctx context.Context, a Attempt, t Target, src string) Outcome {
	dst := ObjectPath(a, t)
	if err := ctx.Err(); err != nil {
		return c.failed(t, dst, err, 0)
	}
	u, ok := c.uploaders.Lookup(t.Kind)
	if !ok {
		return c.failed(t, dst, fmt.Errorf("%w: %s", ErrNoUploader, t.Kind), 0)
	}

	c.log.Info("transfer started", "target", t.BucketRoot, "source", src, "destination", dst)
	start := c.clock.Now()

	callCtx, cancel := withTimeout(ctx, c.timeout)
	err := u.Upload(callCtx, src, dst)
	cancel()
	elapsed := c.clock.Now().Sub(start)
	if err != nil {
		return c.failed(t, dst, err, elapsed)
	}

	out := Outcome{Target: t, Path: dst, Status: StatusSucceeded, Duration: elapsed}
	if info, err := os.Stat(src); err == nil {
		out.SizeBytes = info.Size()
	}
	c.log.Info("transfer completed",
		"target", t.BucketRoot,
		"destination", dst,
		"size", humanize.Bytes(uint64(out.SizeBytes)),
		"duration", elapsed.String(),
	)
	return out
}

func (c *Coordinator) failed(t Target, dst string, err error, elapsed time.Duration) Outcome {
	terr := &TransferError{Target: t.BucketRoot, Path: dst, Err: err}
	c.log.Error("transfer failed", "target", t.BucketRoot, "destination", dst, "error", err.Error())
	return Outcome{Target: t, Path: dst, Status: StatusFailed, Err: terr, Duration: elapsed}
}
