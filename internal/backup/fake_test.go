package backup

import (
	"context"
	"iter"
	"sync"

	"github.com/kebairia/redis-backup/internal/storage"
)

// fakeUploader records calls and fails where told to.
type fakeUploader struct {
	kind storage.Kind

	mu          sync.Mutex
	uploads     []string
	probes      []string
	unavailable error
	probeErr    map[string]error
	uploadErr   map[string]error
}

func newFake(kind storage.Kind) *fakeUploader {
	return &fakeUploader{
		kind:      kind,
		probeErr:  map[string]error{},
		uploadErr: map[string]error{},
	}
}

func (f *fakeUploader) Kind() storage.Kind { return f.kind }

func (f *fakeUploader) Available(context.Context) error { return f.unavailable }

func (f *fakeUploader) Probe(_ context.Context, root string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, root)
	return f.probeErr[root]
}

func (f *fakeUploader) Upload(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, dst)
	for prefix, err := range f.uploadErr {
		if len(dst) >= len(prefix) && dst[:len(prefix)] == prefix {
			return err
		}
	}
	return nil
}

func (f *fakeUploader) List(context.Context, string) iter.Seq2[storage.Object, error] {
	return func(func(storage.Object, error) bool) {}
}

func (f *fakeUploader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}
