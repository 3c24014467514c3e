package operations

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/juju/clock"
	"go.uber.org/multierr"

	"github.com/kebairia/redis-backup/internal/backup"
	"github.com/kebairia/redis-backup/internal/config"
	"github.com/kebairia/redis-backup/internal/guard"
	"github.com/kebairia/redis-backup/internal/logger"
	"github.com/kebairia/redis-backup/internal/storage"
	"github.com/kebairia/redis-backup/internal/vault"
)

// ErrRunFailed is returned when at least one target of a run failed.
var ErrRunFailed = errors.New("backup run failed")

// Option defines a functional option for configuring an OperationManager.
type Option func(*OperationManager)

// WithClock overrides the clock used to stamp attempts.
func WithClock(clk clock.Clock) Option {
	return func(om *OperationManager) {
		om.clock = clk
	}
}

// WithUploaders replaces the uploaders built from the configuration.
func WithUploaders(uploaders ...storage.Uploader) Option {
	return func(om *OperationManager) {
		om.uploaders = storage.NewRegistry(uploaders...)
	}
}

// WithGuard replaces the run guard selected by the configuration.
func WithGuard(g guard.Guard) Option {
	return func(om *OperationManager) {
		om.guard = g
	}
}

// WithLogPath records where the log file lives so the run report can be
// written next to it.
func WithLogPath(path string) Option {
	return func(om *OperationManager) {
		om.logPath = path
	}
}

// OperationManager runs the backup and inventory operations.
type OperationManager struct {
	cfg       config.Config
	log       logger.Logger
	clock     clock.Clock
	uploaders storage.Registry
	guard     guard.Guard
	logPath   string

	// machine is the real hostname; cfg.Hostname may be overridden for paths.
	machine string
}

// NewOperationManager wires the uploaders, guard and clock described by
// cfg. Uploaders that need remote calls to build (S3 via Vault) are only
// created when a target of their kind is configured.
func NewOperationManager(ctx context.Context, cfg config.Config, log logger.Logger, opts ...Option) (*OperationManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	om := &OperationManager{
		cfg:   cfg,
		log:   log,
		clock: clock.WallClock,
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		om.machine = host
	} else {
		om.machine = "localhost"
	}
	for _, opt := range opts {
		opt(om)
	}

	if om.guard == nil {
		switch cfg.Guard.Mode {
		case "process":
			om.guard = guard.NewProcessGuard(guard.ProcFS{Root: "/proc"}, os.Getpid())
		default:
			om.guard = guard.NewMutexGuard(om.clock, cfg.Guard.Wait)
		}
	}

	if om.uploaders == nil {
		om.uploaders = buildUploaders(ctx, cfg, log)
	}
	return om, nil
}

// buildUploaders never fails: an uploader that cannot be built is replaced
// by one reporting the cause, so it surfaces with the other pre-flight errors.
func buildUploaders(ctx context.Context, cfg config.Config, log logger.Logger) storage.Registry {
	list := []storage.Uploader{storage.NewGCSUploader(storage.WithGCSBinary(cfg.GCS.Binary))}

	needS3 := false
	for _, uri := range cfg.TargetURIs() {
		if kind, err := storage.KindOf(uri); err == nil && kind == storage.KindS3 {
			needS3 = true
		}
	}
	if !needS3 {
		return storage.NewRegistry(list...)
	}

	s3, err := newS3Uploader(ctx, cfg, log)
	if err != nil {
		log.Error("s3 uploader unavailable", "error", err.Error())
		return storage.NewRegistry(append(list, unavailable{kind: storage.KindS3, err: err})...)
	}
	return storage.NewRegistry(append(list, s3)...)
}

func newS3Uploader(ctx context.Context, cfg config.Config, log logger.Logger) (*storage.S3Uploader, error) {

	s3Opts := []storage.S3Option{
		storage.WithS3Region(cfg.S3.Region),
		storage.WithS3Endpoint(cfg.S3.Endpoint, cfg.S3.UsePathStyle),
		storage.WithS3StaticCredentials(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
	}
	if cfg.Vault.AWSSecretPath != "" {
		vaultClient, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName),
		)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		creds, err := vaultClient.AWSCredentials(ctx, cfg.Vault.AWSSecretPath)
		if err != nil {
			return nil, fmt.Errorf("aws credentials from vault: %w", err)
		}
		log.Debug("aws credentials loaded from vault", "path", cfg.Vault.AWSSecretPath)
		s3Opts = append(s3Opts, storage.WithS3StaticCredentials(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken))
	}
	return storage.NewS3Uploader(ctx, s3Opts...)
}

// unavailable stands in for an uploader that could not be built.
type unavailable struct {
	kind storage.Kind
	err  error
}

func (u unavailable) Kind() storage.Kind { return u.kind }
func (u unavailable) Available(context.Context) error { return u.err }
func (u unavailable) Probe(context.Context, string) error { return u.err }
func (u unavailable) Upload(context.Context, string, string) error { return u.err }
func (u unavailable) List(context.Context, string) iter.Seq2[storage.Object, error] {
	return func(yield func(storage.Object, error) bool) {
		yield(storage.Object{}, u.err)
	}
}

// targets parses the configured destinations in order. A GCS bucket is
// mandatory; every problem is reported, not just the first.
func (om *OperationManager) targets() ([]backup.Target, error) {
	var errs error
	if om.cfg.GCSBucket == "" {
		errs = multierr.Append(errs, &backup.ValidationError{
			Kind: backup.MissingBucketConfig,
			Err:  fmt.Errorf("a gcs bucket is required (-b/--gcsbucket)"),
		})
	}

	var targets []backup.Target
	for _, uri := range om.cfg.TargetURIs() {
		t, err := backup.ParseTarget(uri)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		targets = append(targets, t)
	}
	for _, err := range multierr.Errors(errs) {
		om.log.Error("invalid target configuration", "error", err.Error())
	}
	return targets, errs
}

// preflight parses the targets and validates the ones that parsed. Every
// problem is collected before the caller aborts. A dry run skips the bucket
// probes.
func (om *OperationManager) preflight(ctx context.Context, dryRun bool) ([]backup.Target, error) {
	targets, errs := om.targets()
	planner := backup.NewPlanner(om.uploaders, om.log,
		backup.WithPlannerTimeout(om.cfg.Timeout),
		backup.WithSkipProbe(dryRun),
	)
	errs = multierr.Append(errs, planner.ValidateAll(ctx, targets))
	return targets, errs
}

// identity names the lease: one run per program and machine, whatever
// --alt-hostname says.
func (om *OperationManager) identity() string {
	if om.cfg.Guard.Mode == "process" {
		return om.cfg.Guard.Identity
	}
	return om.cfg.Guard.Identity + "-" + om.machine
}
