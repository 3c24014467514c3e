package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"

	"github.com/kebairia/redis-backup/internal/backup"
	"github.com/kebairia/redis-backup/internal/config"
	"github.com/kebairia/redis-backup/internal/guard"
	"github.com/kebairia/redis-backup/internal/logger"
	"github.com/kebairia/redis-backup/internal/storage"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type upload struct{ src, dst, body string }

type fakeUploader struct {
	kind storage.Kind

	mu        sync.Mutex
	uploads   []upload
	probeErr  error
	uploadErr error
	objects   []storage.Object
	listErr   error
}

func (f *fakeUploader) Kind() storage.Kind              { return f.kind }
func (f *fakeUploader) Available(context.Context) error { return nil }
func (f *fakeUploader) Probe(context.Context, string) error {
	return f.probeErr
}

func (f *fakeUploader) Upload(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := os.ReadFile(src)
	f.uploads = append(f.uploads, upload{src: src, dst: dst, body: string(body)})
	return f.uploadErr
}

func (f *fakeUploader) List(_ context.Context, prefix string) iter.Seq2[storage.Object, error] {
	return func(yield func(storage.Object, error) bool) {
		for _, o := range f.objects {
			if !strings.HasPrefix(o.URI, prefix) {
				continue
			}
			if !yield(o, nil) {
				return
			}
		}
		if f.listErr != nil {
			yield(storage.Object{}, f.listErr)
		}
	}
}

type fakeGuard struct{ err error }

func (g fakeGuard) Acquire(context.Context, string) (guard.Lease, error) {
	if g.err != nil {
		return nil, g.err
	}
	return releaseFunc(func() error { return nil }), nil
}

type releaseFunc func() error

func (r releaseFunc) Release() error { return r() }

type fixture struct {
	cfg  config.Config
	gcs  *fakeUploader
	s3   *fakeUploader
	opts []Option
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dump.rdb"), []byte("REDIS0011 snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		cfg: config.Config{
			Hostname:        "redis-01",
			GCSBucket:       "gs://backups",
			AWSBucket:       "s3://backups-aws",
			RDBDir:          dir,
			RDBFile:         "dump.rdb",
			Suffix:          "rdb",
			TimestampFormat: config.DefaultTimestampFormat,
			Guard:           config.GuardConfig{Mode: "mutex", Identity: "redis-backup"},
		},
		gcs: &fakeUploader{kind: storage.KindGCS},
		s3:  &fakeUploader{kind: storage.KindS3},
	}
	return f
}

func (f *fixture) manager(t *testing.T, extra ...Option) *OperationManager {
	t.Helper()
	opts := append([]Option{
		WithClock(testclock.NewClock(epoch)),
		WithUploaders(f.gcs, f.s3),
		WithGuard(fakeGuard{}),
	}, extra...)
	om, err := NewOperationManager(context.Background(), f.cfg, logger.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewOperationManager: %v", err)
	}
	return om
}

func TestBackup_AllTargetsSucceed(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(run.Status(), qt.Equals, backup.StatusSucceeded)
	c.Assert(run.Outcomes, qt.HasLen, 2)
	c.Assert(f.gcs.uploads, qt.HasLen, 1)
	c.Assert(f.gcs.uploads[0].dst, qt.Equals, "gs://backups/backups/redis-01/rdb/2024-01-01_00-00/dump.rdb")
	c.Assert(f.s3.uploads[0].dst, qt.Equals, "s3://backups-aws/backups/redis-01/rdb/2024-01-01_00-00/dump.rdb")
	c.Assert(f.gcs.uploads[0].body, qt.Equals, "REDIS0011 snapshot")
}

func TestBackup_FirstTargetUnreachableAbortsEverything(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.gcs.probeErr = errors.New("404 bucket does not exist")

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(run, qt.IsNil)
	c.Assert(err, qt.ErrorIs, backup.ErrValidation)
	var verr *backup.ValidationError
	c.Assert(errors.As(err, &verr), qt.IsTrue)
	c.Assert(verr.Kind, qt.Equals, backup.UnreachableBucket)
	c.Assert(f.gcs.uploads, qt.HasLen, 0)
	c.Assert(f.s3.uploads, qt.HasLen, 0)
}

func TestBackup_FirstTransferFailsSecondSucceeds(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.gcs.uploadErr = errors.New("connection reset")

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.ErrorIs, ErrRunFailed)
	c.Assert(run.Status(), qt.Equals, backup.StatusFailed)
	c.Assert(run.Outcomes[0].Status, qt.Equals, backup.StatusFailed)
	c.Assert(run.Outcomes[1].Status, qt.Equals, backup.StatusSucceeded)
	c.Assert(f.s3.uploads, qt.HasLen, 1)
}

func TestBackup_NoopSingleTarget(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.AWSBucket = ""
	f.cfg.DryRun = true
	// buckets are not probed on a dry run
	f.gcs.probeErr = errors.New("unexpected probe")

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(run.Outcomes, qt.HasLen, 1)
	c.Assert(run.Outcomes[0].Status, qt.Equals, backup.StatusSkipped)
	c.Assert(f.gcs.uploads, qt.HasLen, 0)
}

func TestBackup_AlreadyRunning(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	om := f.manager(t, WithGuard(fakeGuard{err: &guard.AlreadyRunningError{Identity: "redis-backup", PID: 42}}))

	run, err := om.Backup(context.Background())
	c.Assert(run, qt.IsNil)
	c.Assert(err, qt.ErrorIs, guard.ErrAlreadyRunning)
	c.Assert(f.gcs.uploads, qt.HasLen, 0)
}

func TestBackup_MissingGCSBucket(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.GCSBucket = ""
	f.cfg.Targets = []string{"ftp://nope"}

	_, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.ErrorIs, backup.ErrValidation)
	c.Assert(err, qt.ErrorMatches, `(?s).*missing bucket config: a gcs bucket is required.*unsupported bucket scheme.*`)
	c.Assert(f.s3.uploads, qt.HasLen, 0)
}

func TestBackup_MissingSnapshotFailsEveryTarget(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.RDBFile = "missing.rdb"
	f.gcs.uploadErr = errors.New("No URLs matched")
	f.s3.uploadErr = os.ErrNotExist

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.ErrorIs, ErrRunFailed)
	c.Assert(run.Failed(), qt.HasLen, 2)
}

func TestBackup_CompressedUpload(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.Compress = true
	f.cfg.AWSBucket = ""

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(run.Outcomes[0].Path, qt.Equals, "gs://backups/backups/redis-01/rdb/2024-01-01_00-00/dump.rdb.zst")

	up := f.gcs.uploads[0]
	c.Assert(up.src, qt.Not(qt.Equals), filepath.Join(f.cfg.RDBDir, "dump.rdb"))
	dec, err := zstd.NewReader(nil)
	c.Assert(err, qt.IsNil)
	defer dec.Close()
	plain, err := dec.DecodeAll([]byte(up.body), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(string(plain), qt.Equals, "REDIS0011 snapshot")

	// scratch copy removed, original kept
	_, err = os.Stat(up.src)
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	_, err = os.Stat(filepath.Join(f.cfg.RDBDir, "dump.rdb"))
	c.Assert(err, qt.IsNil)
}

func TestBackup_WritesReportAndMetrics(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	dir := t.TempDir()
	f.cfg.Metrics.Textfile = filepath.Join(dir, "textfile", "redis_backup.prom")
	f.s3.uploadErr = errors.New("access denied")
	logPath := filepath.Join(dir, "RedisBackup2024-01-01_00-00.log")

	_, err := f.manager(t, WithLogPath(logPath)).Backup(context.Background())
	c.Assert(err, qt.ErrorIs, ErrRunFailed)

	data, err := os.ReadFile(filepath.Join(dir, "RedisBackup2024-01-01_00-00.json"))
	c.Assert(err, qt.IsNil)
	var report struct {
		Hostname string `json:"hostname"`
		Status   string `json:"status"`
		Targets  []struct {
			Target string `json:"target"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"targets"`
	}
	c.Assert(json.Unmarshal(data, &report), qt.IsNil)
	c.Assert(report.Hostname, qt.Equals, "redis-01")
	c.Assert(report.Status, qt.Equals, "failed")
	c.Assert(report.Targets, qt.HasLen, 2)
	c.Assert(report.Targets[0].Status, qt.Equals, "succeeded")
	c.Assert(report.Targets[1].Error, qt.Contains, "access denied")

	prom, err := os.ReadFile(f.cfg.Metrics.Textfile)
	c.Assert(err, qt.IsNil)
	c.Assert(string(prom), qt.Contains, "redis_backup_last_run_success 0")
}

func TestInventory(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.gcs.objects = []storage.Object{
		{URI: "gs://backups/backups/redis-01/rdb/2024-01-01_00-00/dump.rdb", Size: 2048, Updated: epoch},
		{URI: "gs://backups/backups/redis-02/rdb/2024-01-01_00-00/dump.rdb", Size: 1},
	}
	f.s3.objects = []storage.Object{
		{URI: "s3://backups-aws/backups/redis-01/rdb/2024-01-01_00-00/dump.rdb", Size: 2048},
	}

	listings, err := f.manager(t).Inventory(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(listings, qt.HasLen, 2)
	c.Assert(listings[0].Prefix, qt.Equals, "gs://backups/backups/redis-01/rdb/")
	c.Assert(listings[0].Objects, qt.HasLen, 1)
	c.Assert(listings[1].Objects, qt.HasLen, 1)

	var buf bytes.Buffer
	c.Assert(WriteInventory(&buf, listings), qt.IsNil)
	out := buf.String()
	c.Assert(out, qt.Contains, "gs://backups/backups/redis-01/rdb/ (1 objects, 2.0 kB)")
	c.Assert(out, qt.Contains, "2024-01-01T00:00:00Z")
	c.Assert(out, qt.Not(qt.Contains), "redis-02")
}

func TestInventory_ErrorReturnsNothing(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.gcs.objects = []storage.Object{{URI: "gs://backups/backups/redis-01/rdb/a/dump.rdb"}}
	f.s3.listErr = errors.New("throttled")

	listings, err := f.manager(t).Inventory(context.Background())
	c.Assert(listings, qt.IsNil)
	var ierr *backup.InventoryError
	c.Assert(errors.As(err, &ierr), qt.IsTrue)
	c.Assert(ierr.Target, qt.Equals, "s3://backups-aws")
}

func TestNewOperationManager_DefaultsWithoutS3(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.AWSBucket = ""
	f.cfg.Guard.Mode = "process"

	om, err := NewOperationManager(context.Background(), f.cfg, logger.Nop())
	c.Assert(err, qt.IsNil)
	_, ok := om.uploaders.Lookup(storage.KindGCS)
	c.Assert(ok, qt.IsTrue)
	_, ok = om.uploaders.Lookup(storage.KindS3)
	c.Assert(ok, qt.IsFalse)
	c.Assert(om.identity(), qt.Equals, "redis-backup")
}

// validationKinds indexes every validation error in err by target.
func validationKinds(err error) map[string]backup.ValidationKind {
	kinds := map[string]backup.ValidationKind{}
	for _, e := range multierr.Errors(err) {
		var verr *backup.ValidationError
		if errors.As(e, &verr) {
			kinds[verr.Target] = verr.Kind
		}
	}
	return kinds
}

func TestBackup_ReportsEveryPreflightProblem(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.GCSBucket = ""
	f.s3.probeErr = errors.New("404 Not Found")

	run, err := f.manager(t).Backup(context.Background())
	c.Assert(run, qt.IsNil)
	c.Assert(validationKinds(err), qt.DeepEquals, map[string]backup.ValidationKind{
		"":                 backup.MissingBucketConfig,
		"s3://backups-aws": backup.UnreachableBucket,
	})
	c.Assert(f.s3.uploads, qt.HasLen, 0)
}

func TestBackup_VaultFailureReportedWithOtherTargets(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.cfg.Vault = config.VaultConfig{Address: srv.URL, AWSSecretPath: "secret/redis/aws"}
	f.cfg.GCS.Binary = "true"
	f.cfg.Targets = []string{"ftp://nope"}
	t.Setenv("VAULT_TOKEN", "root")

	om, err := NewOperationManager(context.Background(), f.cfg, logger.Nop(), WithGuard(fakeGuard{}))
	c.Assert(err, qt.IsNil)

	_, err = om.Backup(context.Background())
	c.Assert(err, qt.ErrorIs, backup.ErrValidation)
	c.Assert(validationKinds(err), qt.DeepEquals, map[string]backup.ValidationKind{
		"ftp://nope":       backup.MissingBucketConfig,
		"s3://backups-aws": backup.MissingCredentialOrTool,
	})
	c.Assert(err, qt.ErrorMatches, `(?s).*aws credentials from vault.*`)
}

func TestIdentity_IgnoresAltHostname(t *testing.T) {
	c := qt.New(t)
	f := newFixture(t)
	f.cfg.Hostname = "redis-01"
	first := f.manager(t).identity()
	f.cfg.Hostname = "redis-02"
	second := f.manager(t).identity()

	c.Assert(first, qt.Equals, second)
	host, err := os.Hostname()
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.Equals, "redis-backup-"+host)
}

func TestNewOperationManager_RejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Guard.Mode = "flock"
	_, err := NewOperationManager(context.Background(), f.cfg, logger.Nop())
	qt.Assert(t, err, qt.ErrorIs, config.ErrValidateConfig)
}

func TestCompressZstd_LeavesInput(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "dump.rdb")
	c.Assert(os.WriteFile(in, bytes.Repeat([]byte("redis"), 1000), 0o600), qt.IsNil)

	out, err := CompressZstd(in, t.TempDir())
	c.Assert(err, qt.IsNil)
	c.Assert(filepath.Base(out), qt.Equals, "dump.rdb.zst")
	_, err = os.Stat(in)
	c.Assert(err, qt.IsNil)

	_, err = CompressZstd(filepath.Join(dir, "missing.rdb"), t.TempDir())
	c.Assert(err, qt.ErrorIs, os.ErrNotExist)
}
