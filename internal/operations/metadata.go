package operations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/redis-backup/internal/backup"
)

// TargetRecord is the report entry for one target.
type TargetRecord struct {
	Target    string        `json:"target"`
	Kind      string        `json:"kind"`
	Path      string        `json:"path"`
	Status    backup.Status `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	SizeBytes int64         `json:"size_bytes"`
}

// RunRecord is the JSON report written next to the log file.
type RunRecord struct {
	ID          string         `json:"id"`
	Hostname    string         `json:"hostname"`
	Suffix      string         `json:"suffix"`
	Timestamp   string         `json:"timestamp"`
	SourceFile  string         `json:"source_file"`
	DryRun      bool           `json:"dry_run"`
	Compress    bool           `json:"compress"`
	Status      backup.Status  `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration_ms"`
	Targets     []TargetRecord `json:"targets"`
}

// NewRunRecord flattens a run for the report.
func NewRunRecord(run *backup.Run) RunRecord {
	a := run.Attempt
	record := RunRecord{
		ID:          a.ID,
		Hostname:    a.Hostname,
		Suffix:      a.Suffix,
		Timestamp:   a.Timestamp,
		SourceFile:  a.SourceFile,
		DryRun:      a.DryRun,
		Compress:    a.Compress,
		Status:      run.Status(),
		StartedAt:   run.StartedAt,
		CompletedAt: run.FinishedAt,
		Duration:    run.Duration() / time.Millisecond,
		Targets:     make([]TargetRecord, 0, len(run.Outcomes)),
	}
	for _, o := range run.Outcomes {
		tr := TargetRecord{
			Target:    o.Target.BucketRoot,
			Kind:      string(o.Target.Kind),
			Path:      o.Path,
			Status:    o.Status,
			Duration:  o.Duration / time.Millisecond,
			SizeBytes: o.SizeBytes,
		}
		if o.Err != nil {
			tr.Error = o.Err.Error()
		}
		record.Targets = append(record.Targets, tr)
	}
	return record
}

// Write stores the record as indented JSON at filePath.
func (m *RunRecord) Write(filePath string) error {
	if err := EnsureDirectoryExist(filepath.Dir(filePath)); err != nil {
		return fmt.Errorf("ensure report directory: %w", err)
	}

	jsonFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create report file %q: %w", filePath, err)
	}
	defer jsonFile.Close()

	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode report JSON: %w", err)
	}
	return nil
}

func EnsureDirectoryExist(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dirPath, err)
	}
	return nil
}
