package backup

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/kebairia/redis-backup/internal/storage"
)

// Target is one configured remote destination.
type Target struct {
	Kind       storage.Kind
	BucketRoot string
}

// ParseTarget builds a Target from a bucket URI such as gs://backups/.
// The trailing slash is stripped.
func ParseTarget(uri string) (Target, error) {
	root := strings.TrimRight(strings.TrimSpace(uri), "/")
	if root == "" {
		return Target{}, &ValidationError{Kind: MissingBucketConfig, Err: fmt.Errorf("empty bucket uri")}
	}
	kind, err := storage.KindOf(root)
	if err != nil {
		return Target{}, &ValidationError{Kind: MissingBucketConfig, Target: root, Err: err}
	}
	return Target{Kind: kind, BucketRoot: root}, nil
}

func (t Target) String() string {
	return t.BucketRoot
}

// Attempt is a single invocation of the orchestrator. It is a value: once
// created nothing changes it, and every destination path of the attempt
// shares its Timestamp.
type Attempt struct {
	ID         string
	Hostname   string
	Suffix     string
	Timestamp  string
	SourceFile string
	StartedAt  time.Time
	DryRun     bool
	Compress   bool
}

// AttemptOption defines a functional option for NewAttempt.
type AttemptOption func(*Attempt)

// WithDryRun plans transfers without performing them.
func WithDryRun(dryRun bool) AttemptOption {
	return func(a *Attempt) {
		a.DryRun = dryRun
	}
}

// WithCompression ships a zstd-compressed copy named <file>.zst.
func WithCompression(compress bool) AttemptOption {
	return func(a *Attempt) {
		a.Compress = compress
	}
}

// NewAttempt stamps a new attempt with clk's current time formatted by layout.
func NewAttempt(
	clk clock.Clock,
	hostname, suffix, sourceFile, layout string,
	opts ...AttemptOption,
) Attempt {
	now := clk.Now()
	a := Attempt{
		ID:         uuid.NewString(),
		Hostname:   hostname,
		Suffix:     suffix,
		Timestamp:  now.Format(layout),
		SourceFile: sourceFile,
		StartedAt:  now,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// ObjectName is the name the snapshot gets inside the attempt directory.
func (a Attempt) ObjectName() string {
	name := path.Base(a.SourceFile)
	if a.Compress {
		name += ".zst"
	}
	return name
}

// Status is the result of one transfer, or of a whole run.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in the JSON run report.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome records what happened to one target during one attempt.
type Outcome struct {
	Target    Target
	Path      string
	Status    Status
	Err       error
	Duration  time.Duration
	SizeBytes int64
}

// Run owns the outcomes of one attempt, in configured target order.
type Run struct {
	Attempt    Attempt
	Outcomes   []Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Status is Failed if any outcome failed and Succeeded otherwise.
func (r *Run) Status() Status {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			return StatusFailed
		}
	}
	return StatusSucceeded
}

// Failed returns the failed outcomes in order.
func (r *Run) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Duration is the wall time the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
