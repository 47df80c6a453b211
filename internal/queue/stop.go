package queue

import (
	"context"
	"time"

	"github.com/rendis/graphrun/internal/kvstore"
	"github.com/rendis/graphrun/pkg/schema"
)

const stopFlagTTL = 10 * time.Minute

// StopFlagKey is the KV key whose presence stops a run.
func StopFlagKey(runID string) string {
	return "graphrun:stop:" + runID
}

// OwnerKey is the KV key recording who started a run.
func OwnerKey(runID string) string {
	return "graphrun:owner:" + runID
}

// RegisterOwner records owner as the identity allowed to stop runID.
func RegisterOwner(ctx context.Context, kv kvstore.Store, runID, owner string, ttl time.Duration) error {
	if err := kv.Set(ctx, OwnerKey(runID), owner, ttl); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "register run owner").WithCause(err)
	}
	return nil
}

// SetStopFlag asks runID to stop on behalf of requester. A run with no
// recorded owner has already finished, so the request is a no-op. A requester
// other than the owner gets FORBIDDEN.
func SetStopFlag(ctx context.Context, kv kvstore.Store, runID, requester string) error {
	owner, ok, err := kv.Get(ctx, OwnerKey(runID))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "read run owner").WithCause(err)
	}
	if !ok {
		return nil
	}
	if owner != requester {
		return schema.NewErrorf(schema.ErrCodeForbidden, "%q may not stop run %s", requester, runID)
	}
	if err := kv.Set(ctx, StopFlagKey(runID), "1", stopFlagTTL); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "set stop flag").WithCause(err)
	}
	return nil
}

// ClearRun removes a finished run's coordination keys.
func ClearRun(ctx context.Context, kv kvstore.Store, runID string) error {
	if err := kv.Delete(ctx, OwnerKey(runID)); err != nil {
		return err
	}
	return kv.Delete(ctx, StopFlagKey(runID))
}
