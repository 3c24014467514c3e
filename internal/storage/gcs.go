package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// noMatchMarker is printed by gsutil when a prefix holds no objects yet.
const noMatchMarker = "matched no objects"

// GCSOption defines a functional option for configuring a GCSUploader.
type GCSOption func(*GCSUploader)

// GCSUploader drives the gsutil command line tool.
type GCSUploader struct {
	binary string
}

// NewGCSUploader creates an uploader that shells out to gsutil.
func NewGCSUploader(opts ...GCSOption) *GCSUploader {
	g := &GCSUploader{binary: "gsutil"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithGCSBinary overrides the gsutil executable name or path.
func WithGCSBinary(binary string) GCSOption {
	return func(g *GCSUploader) {
		if binary != "" {
			g.binary = binary
		}
	}
}

func (g *GCSUploader) Kind() Kind { return KindGCS }

// Available checks that gsutil resolves on PATH.
func (g *GCSUploader) Available(context.Context) error {
	if _, err := exec.LookPath(g.binary); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrToolUnavailable, g.binary, err)
	}
	return nil
}

// Probe lists the bucket root.
func (g *GCSUploader) Probe(ctx context.Context, bucketRoot string) error {
	return g.run(ctx, "ls", bucketRoot)
}

// Upload copies src to dst with gsutil cp.
func (g *GCSUploader) Upload(ctx context.Context, src, dst string) error {
	return g.run(ctx, "cp", src, dst)
}

// List streams `gsutil ls -l -r prefix`, one Object per listed file.
func (g *GCSUploader) List(ctx context.Context, prefix string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var stderr bytes.Buffer
		cmd := g.command(ctx, "ls", "-l", "-r", prefix)
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(Object{}, fmt.Errorf("gsutil ls: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(Object{}, fmt.Errorf("gsutil ls: %w", err))
			return
		}

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			obj, ok := parseListLine(scanner.Text())
			if !ok {
				continue
			}
			if !yield(obj, nil) {
				cancel()
				_ = cmd.Wait()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			// stop gsutil so Wait does not block on the undrained pipe
			cancel()
			_ = cmd.Wait()
			yield(Object{}, fmt.Errorf("gsutil ls: read listing: %w", err))
			return
		}

		if err := cmd.Wait(); err != nil {
			if strings.Contains(stderr.String(), noMatchMarker) {
				return
			}
			yield(Object{}, commandError("ls", err, stderr.String()))
		}
	}
}

func (g *GCSUploader) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, g.binary, append([]string{"-q"}, args...)...)
}

func (g *GCSUploader) run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := g.command(ctx, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("gsutil %s: %w", args[0], ctxErr)
		}
		return commandError(args[0], err, stderr.String())
	}
	return nil
}

func commandError(sub string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && msg != "" {
		return fmt.Errorf("gsutil %s failed: %s: %w", sub, msg, err)
	}
	return fmt.Errorf("gsutil %s failed: %w", sub, err)
}

// parseListLine reads "<size>  <RFC3339 time>  gs://bucket/key" lines and
// ignores directory headers and the TOTAL footer.
func parseListLine(line string) (Object, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "gs://") {
		return Object{}, false
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Object{}, false
	}
	updated, _ := time.Parse(time.RFC3339, fields[1])
	return Object{URI: fields[2], Size: size, Updated: updated}, true
}
