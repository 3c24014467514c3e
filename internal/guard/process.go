package guard

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Process is one entry of the process table.
type Process struct {
	PID  int
	PPID int
	Args []string
}

// ProcessLister enumerates running processes.
type ProcessLister interface {
	Processes(ctx context.Context) ([]Process, error)
}

// ProcessGuard refuses to run while another process carries the same
// program identity. It matches whole argv tokens, never substrings, so
// redis-backup-old or vim redis-backup.yaml do not block a run. The caller
// and its ancestors (e.g. the cron shell that started it) are ignored.
type ProcessGuard struct {
	lister ProcessLister
	self   int
}

// NewProcessGuard scans lister and ignores the process with pid self.
func NewProcessGuard(lister ProcessLister, self int) *ProcessGuard {
	if lister == nil {
		lister = ProcFS{Root: "/proc"}
	}
	return &ProcessGuard{lister: lister, self: self}
}

func (g *ProcessGuard) Acquire(ctx context.Context, identity string) (Lease, error) {
	procs, err := g.lister.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	own := lineage(procs, g.self)
	for _, p := range procs {
		if own[p.PID] {
			continue
		}
		if matches(p.Args, identity) {
			return nil, &AlreadyRunningError{Identity: identity, PID: p.PID}
		}
	}
	return noopLease{}, nil
}

// lineage returns self and every ancestor of self found in procs.
func lineage(procs []Process, self int) map[int]bool {
	parent := make(map[int]int, len(procs))
	for _, p := range procs {
		parent[p.PID] = p.PPID
	}
	own := map[int]bool{}
	for pid := self; pid > 0 && !own[pid]; pid = parent[pid] {
		own[pid] = true
	}
	return own
}

var interpreters = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true, "env": true,
}

// matches reports whether identity is the program of args: either argv[0]
// itself or the script a shell interpreter was handed.
func matches(args []string, identity string) bool {
	if len(args) == 0 {
		return false
	}
	if filepath.Base(args[0]) == identity {
		return true
	}
	if !interpreters[filepath.Base(args[0])] {
		return false
	}
	for _, a := range args[1:] {
		if a == "-c" {
			// inline command string, not a script path
			return false
		}
		if len(a) > 0 && a[0] == '-' {
			continue
		}
		// first non-flag argument is the script, if any
		return filepath.Base(a) == identity
	}
	return false
}

// ProcFS reads the process table from a procfs mount.
type ProcFS struct {
	Root string
}

func (p ProcFS) Processes(ctx context.Context) ([]Process, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	var procs []Process
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.Root, e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			// exited meanwhile, or a kernel thread
			continue
		}
		var args []string
		for _, a := range bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0}) {
			args = append(args, string(a))
		}
		procs = append(procs, Process{PID: pid, PPID: p.parent(e.Name()), Args: args})
	}
	return procs, nil
}

// parent reads the PPid line of /proc/<pid>/status, zero when unknown.
func (p ProcFS) parent(pid string) int {
	raw, err := os.ReadFile(filepath.Join(p.Root, pid, "status"))
	if err != nil {
		return 0
	}
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		v, ok := bytes.CutPrefix(line, []byte("PPid:"))
		if !ok {
			continue
		}
		ppid, err := strconv.Atoi(string(bytes.TrimSpace(v)))
		if err != nil {
			return 0
		}
		return ppid
	}
	return 0
}
