package operations

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/kebairia/redis-backup/internal/backup"
	"github.com/kebairia/redis-backup/internal/storage"
)

// Listing is the complete inventory of one target.
type Listing struct {
	Target  backup.Target
	Prefix  string
	Objects []storage.Object
}

// Inventory lists every stored backup for this host on every target.
// Targets are validated first; a listing error anywhere aborts the whole
// operation and nothing is returned.
func (om *OperationManager) Inventory(ctx context.Context) ([]Listing, error) {
	log := om.log

	targets, err := om.preflight(ctx, false)
	if err != nil {
		return nil, err
	}

	listings := make([]Listing, 0, len(targets))
	for _, t := range targets {
		prefix := backup.PlanInventoryPrefix(t, om.cfg.Hostname, om.cfg.Suffix)
		objects, err := om.list(ctx, t, prefix)
		if err != nil {
			ierr := &backup.InventoryError{Target: t.BucketRoot, Err: err}
			log.Error("inventory failed", "target", t.BucketRoot, "prefix", prefix, "error", err.Error())
			return nil, ierr
		}
		log.Debug("inventory listed", "target", t.BucketRoot, "prefix", prefix, "objects", len(objects))
		listings = append(listings, Listing{Target: t, Prefix: prefix, Objects: objects})
	}
	return listings, nil
}

func (om *OperationManager) list(ctx context.Context, t backup.Target, prefix string) ([]storage.Object, error) {
	u, ok := om.uploaders.Lookup(t.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", backup.ErrNoUploader, t.Kind)
	}

	callCtx := ctx
	if om.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, om.cfg.Timeout)
		defer cancel()
	}

	var objects []storage.Object
	for obj, err := range u.List(callCtx, prefix) {
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// WriteInventory renders listings as one table per target.
func WriteInventory(w io.Writer, listings []Listing) error {
	for i, l := range listings {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		table := uitable.New()
		table.MaxColWidth = 160
		table.AddRow("OBJECT", "SIZE", "UPDATED")
		var total uint64
		for _, o := range l.Objects {
			updated := "-"
			if !o.Updated.IsZero() {
				updated = o.Updated.UTC().Format(time.RFC3339)
			}
			table.AddRow(o.URI, humanize.Bytes(uint64(o.Size)), updated)
			total += uint64(o.Size)
		}
		if _, err := fmt.Fprintf(w, "%s (%d objects, %s)\n", l.Prefix, len(l.Objects), humanize.Bytes(total)); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, table); err != nil {
			return err
		}
	}
	return nil
}
