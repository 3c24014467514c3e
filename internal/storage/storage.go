// Package storage holds the remote object store capabilities used to ship
// snapshots: one Uploader per store kind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Kind identifies an object store vendor. The set is open: registering an
// Uploader for a new Kind is all it takes to support another vendor.
type Kind string

const (
	KindGCS Kind = "gcs"
	KindS3  Kind = "s3"
)

var (
	// ErrUnsupportedScheme is returned when a bucket URI has no known scheme.
	ErrUnsupportedScheme = errors.New("unsupported bucket scheme")
	// ErrToolUnavailable means the CLI or credentials backing an uploader are missing.
	ErrToolUnavailable = errors.New("transfer tool or credentials unavailable")
)

var schemes = map[string]Kind{
	"gs://": KindGCS,
	"s3://": KindS3,
}

// Object describes one remote object found while listing.
type Object struct {
	URI     string
	Size    int64
	Updated time.Time
}

// Uploader moves a local file into an object store and reads back what is
// stored there.
type Uploader interface {
	Kind() Kind
	// Available reports whether the tool or credentials needed for
	// transfers are present.
	Available(ctx context.Context) error
	// Probe performs a cheap existence check on a bucket root.
	Probe(ctx context.Context, bucketRoot string) error
	// Upload copies the local file src to the object URI dst.
	Upload(ctx context.Context, src, dst string) error
	// List yields every object under prefix. The sequence is lazy and may
	// be ranged over once.
	List(ctx context.Context, prefix string) iter.Seq2[Object, error]
}

// KindOf derives the store kind from a bucket URI such as gs://bucket.
func KindOf(uri string) (Kind, error) {
	for prefix, kind := range schemes {
		if strings.HasPrefix(uri, prefix) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
}

// Registry binds kinds to their uploaders.
type Registry map[Kind]Uploader

// NewRegistry indexes the given uploaders by Kind.
func NewRegistry(uploaders ...Uploader) Registry {
	r := make(Registry, len(uploaders))
	for _, u := range uploaders {
		r[u.Kind()] = u
	}
	return r
}

// Lookup returns the uploader for kind.
func (r Registry) Lookup(kind Kind) (Uploader, bool) {
	u, ok := r[kind]
	return u, ok
}

// splitURI turns s3://bucket/key/path into ("bucket", "key/path").
func splitURI(uri string) (bucket, key string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	rest := uri[i+3:]
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket name in %q", uri)
	}
	return bucket, key, nil
}
