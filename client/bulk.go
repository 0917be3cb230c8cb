package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

// BulkError reports the ids a bulk operation failed on. Ids that succeeded
// stay mutated; nothing is rolled back.
type BulkError struct {
	Op        syncErrors.Operation
	Resource  records.ResourceType
	Failed    map[string]error
	Succeeded []string
}

func (e *BulkError) Error() string {
	ids := e.FailedIDs()
	return fmt.Sprintf("%s %s: %d of %d failed (%s)",
		e.Op, e.Resource, len(ids), len(ids)+len(e.Succeeded), strings.Join(ids, ", "))
}

// Unwrap exposes every per-id error to errors.Is and errors.As.
func (e *BulkError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedIDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// FailedIDs returns the failed ids sorted.
func (e *BulkError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BulkDelete deletes every id concurrently. All requests run to completion;
// a *BulkError names the failures.
func (rs *ResourceSync) BulkDelete(ctx context.Context, ids []string) error {
	return rs.bulk(ctx, syncErrors.OpDelete, ids, func(ctx context.Context, id string) error {
		return rs.Delete(ctx, id)
	})
}

// BulkPatch overlays fields on every id concurrently.
func (rs *ResourceSync) BulkPatch(ctx context.Context, ids []string, fields records.Entity) error {
	return rs.bulk(ctx, syncErrors.OpPatch, ids, func(ctx context.Context, id string) error {
		_, err := rs.Patch(ctx, id, fields)
		return err
	})
}

func (rs *ResourceSync) bulk(ctx context.Context, op syncErrors.Operation, ids []string, fn func(context.Context, string) error) error {
	var (
		mu        sync.Mutex
		failed    = make(map[string]error)
		succeeded []string
	)
	var g errgroup.Group
	g.SetLimit(rs.opts.BulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[id] = err
			} else {
				succeeded = append(succeeded, id)
			}
			return nil
		})
	}
	g.Wait()

	if len(failed) == 0 {
		return nil
	}
	sort.Strings(succeeded)
	return &BulkError{Op: op, Resource: rs.resource, Failed: failed, Succeeded: succeeded}
}
