package operations

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kebairia/redis-backup/internal/backup"
	"github.com/kebairia/redis-backup/internal/metrics"
)

// Backup runs one attempt: guard, validate every target, transfer, report.
// A pre-flight error aborts before any transfer. A returned run with a
// Failed status comes with an ErrRunFailed error.
func (om *OperationManager) Backup(ctx context.Context) (*backup.Run, error) {
	log := om.log

	lease, err := om.guard.Acquire(ctx, om.identity())
	if err != nil {
		log.Error("backup refused", "error", err.Error())
		return nil, err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			log.Warn("release run lock", "error", err.Error())
		}
	}()

	targets, err := om.preflight(ctx, om.cfg.DryRun)
	if err != nil {
		log.Error("pre-flight validation failed, no transfer attempted", "targets", len(targets))
		return nil, err
	}

	attempt := backup.NewAttempt(
		om.clock,
		om.cfg.Hostname,
		om.cfg.Suffix,
		om.cfg.SourceFile(),
		om.cfg.TimestampFormat,
		backup.WithDryRun(om.cfg.DryRun),
		backup.WithCompression(om.cfg.Compress),
	)
	log.Info("backup started",
		"id", attempt.ID,
		"hostname", attempt.Hostname,
		"source", attempt.SourceFile,
		"timestamp", attempt.Timestamp,
		"targets", len(targets),
		"dry_run", attempt.DryRun,
	)

	coordinator := backup.NewCoordinator(om.uploaders, log,
		backup.WithClock(om.clock),
		backup.WithTransferTimeout(om.cfg.Timeout),
		backup.WithParallel(om.cfg.Parallel),
		backup.WithSourcePreparer(om.prepareSource),
	)
	run := coordinator.Run(ctx, attempt, targets)

	om.report(run)

	if failed := run.Failed(); len(failed) > 0 {
		return run, fmt.Errorf("%w: %d of %d targets failed", ErrRunFailed, len(failed), len(run.Outcomes))
	}
	return run, nil
}

// prepareSource compresses the snapshot into a scratch directory when
// compression is on. The original file is only read.
func (om *OperationManager) prepareSource(_ context.Context, a backup.Attempt) (string, func(), error) {
	if !a.Compress {
		return a.SourceFile, nil, nil
	}
	path, cleanup, err := CompressToTemp(a.SourceFile)
	if err != nil {
		return "", cleanup, err
	}
	om.log.Debug("snapshot compressed", "source", a.SourceFile, "compressed", path)
	return path, cleanup, nil
}

// report logs the outcome of every target, then writes the JSON run report
// and the metrics textfile when configured. Reporting problems are logged
// and never change the run status.
func (om *OperationManager) report(run *backup.Run) {
	log := om.log
	for _, o := range run.Outcomes {
		if o.Err != nil {
			log.Error("target outcome", "target", o.Target.BucketRoot, "status", o.Status.String(), "error", o.Err.Error())
			continue
		}
		log.Info("target outcome", "target", o.Target.BucketRoot, "status", o.Status.String(), "path", o.Path)
	}
	log.Info("backup finished",
		"id", run.Attempt.ID,
		"status", run.Status().String(),
		"duration", run.Duration().String(),
	)

	if om.logPath != "" {
		reportPath := strings.TrimSuffix(om.logPath, filepath.Ext(om.logPath)) + ".json"
		record := NewRunRecord(run)
		if err := record.Write(reportPath); err != nil {
			log.Error("write run report", "path", reportPath, "error", err.Error())
		}
	}

	if path := om.cfg.Metrics.Textfile; path != "" {
		rec := metrics.NewRecorder()
		rec.Observe(run)
		if err := rec.WriteTextfile(path); err != nil {
			log.Error("write metrics", "path", path, "error", err.Error())
		}
	}
}
