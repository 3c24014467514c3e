package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/kebairia/redis-backup/internal/logger"
	"github.com/kebairia/redis-backup/internal/storage"
)

// backupsDir is the fixed top-level folder inside every bucket. Existing
// backup sets depend on it.
const backupsDir = "backups"

// PlanPath returns <bucketRoot>/backups/<hostname>/<suffix>/<timestamp>/.
func PlanPath(a Attempt, t Target) string {
	return fmt.Sprintf("%s%s/", PlanInventoryPrefix(t, a.Hostname, a.Suffix), a.Timestamp)
}

// PlanInventoryPrefix returns <bucketRoot>/backups/<hostname>/<suffix>/,
// the prefix under which every attempt for the host lives.
func PlanInventoryPrefix(t Target, hostname, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s/", t.BucketRoot, backupsDir, hostname, suffix)
}

// ObjectPath is the full object URI the snapshot is copied to.
func ObjectPath(a Attempt, t Target) string {
	return PlanPath(a, t) + a.ObjectName()
}

// PlannerOption defines a functional option for configuring a Planner.
type PlannerOption func(*Planner)

// WithPlannerTimeout bounds each availability check and probe.
func WithPlannerTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) {
		p.timeout = d
	}
}

// WithSkipProbe only checks that tools and credentials are present and
// leaves the buckets alone. Used by dry runs.
func WithSkipProbe(skip bool) PlannerOption {
	return func(p *Planner) {
		p.skipProbe = skip
	}
}

// Planner validates targets before any transfer begins.
type Planner struct {
	uploaders storage.Registry
	log       logger.Logger
	timeout   time.Duration
	skipProbe bool
}

// NewPlanner creates a Planner over the given uploaders.
func NewPlanner(uploaders storage.Registry, log logger.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{uploaders: uploaders, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks that the uploader for t is usable and that the bucket
// root answers a probe.
func (p *Planner) Validate(ctx context.Context, t Target) error {
	u, ok := p.uploaders.Lookup(t.Kind)
	if !ok {
		return &ValidationError{
			Kind:   MissingCredentialOrTool,
			Target: t.BucketRoot,
			Err:    fmt.Errorf("%w: %s", ErrNoUploader, t.Kind),
		}
	}

	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	if err := u.Available(callCtx); err != nil {
		return &ValidationError{Kind: MissingCredentialOrTool, Target: t.BucketRoot, Err: err}
	}

	if p.skipProbe {
		p.log.Debug("bucket probe skipped", "target", t.BucketRoot)
		return nil
	}

	probeCtx, cancelProbe := withTimeout(ctx, p.timeout)
	defer cancelProbe()
	if err := u.Probe(probeCtx, t.BucketRoot); err != nil {
		return &ValidationError{Kind: UnreachableBucket, Target: t.BucketRoot, Err: err}
	}

	p.log.Debug("target validated", "target", t.BucketRoot, "kind", string(t.Kind))
	return nil
}

// ValidateAll validates every target and reports all problems at once.
// Each one is logged; the combined error is nil only if every target passed.
func (p *Planner) ValidateAll(ctx context.Context, targets []Target) error {
	var errs error
	for _, t := range targets {
		if err := p.Validate(ctx, t); err != nil {
			p.log.Error("target validation failed", "target", t.BucketRoot, "error", err.Error())
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
