package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestInit_WritesErrorMarkerAndTimestamp(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer

	log, path, err := Init(Options{Writer: &buf})
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, "")

	log.Error("bucket unreachable", "target", "gs://backups")
	Cleanup()

	out := buf.String()
	c.Assert(out, qt.Contains, "ERROR")
	c.Assert(out, qt.Contains, "bucket unreachable")
	c.Assert(out, qt.Contains, `"target": "gs://backups"`)
	// ISO8601 date prefix
	c.Assert(out, qt.Matches, `(?s)^\d{4}-\d{2}-\d{2}T.*`)
}

func TestInit_DebugOnlyWhenVerbose(t *testing.T) {
	c := qt.New(t)

	var quiet bytes.Buffer
	log, _, err := Init(Options{Writer: &quiet})
	c.Assert(err, qt.IsNil)
	log.Debug("hidden")
	c.Assert(quiet.String(), qt.Equals, "")

	var loud bytes.Buffer
	log, _, err = Init(Options{Writer: &loud, Verbose: true})
	c.Assert(err, qt.IsNil)
	log.Debug("shown")
	c.Assert(loud.String(), qt.Contains, "shown")
}

func TestInit_LogFileInDirectory(t *testing.T) {
	c := qt.New(t)
	dir := filepath.Join(t.TempDir(), "redis")

	log, path, err := Init(Options{Dir: dir, Timestamp: "2024-01-01_00-00"})
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, filepath.Join(dir, "RedisBackup2024-01-01_00-00.log"))

	log.Info("backup started")
	Cleanup()

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Contains(string(data), "backup started"), qt.IsTrue)
}

func TestGlobal_FallsBackToNop(t *testing.T) {
	globalSugar = nil
	Global().Info("nothing happens")
}
