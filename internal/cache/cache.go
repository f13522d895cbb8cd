// Package cache defines the look-aside cache port used by the Reader and
// Mutator: obj:{id} -> serialized object, code:{tenant}:{type}:{code} ->
// object id. Every cache operation is advisory — a failure never reaches
// the caller, it degrades to a miss (SPEC_FULL.md §4.2).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/types"
)

// DefaultTTL matches spec.md §4.2 and §6.4.
const DefaultTTL = time.Hour

// ObjectKey is the primary cache key for an object.
func ObjectKey(id uuid.UUID) string {
	return fmt.Sprintf("obj:%s", id)
}

// CodeKey is the secondary cache key mapping a business code to an id.
func CodeKey(tenantID uuid.UUID, typeCode, code string) string {
	return fmt.Sprintf("code:%s:%s:%s", tenantID, typeCode, code)
}

// Cache is the look-aside cache port. Implementations must never return an
// error that would abort a caller's read or write path; internal failures
// are logged and treated as a miss.
type Cache interface {
	// GetByID returns the cached object and true on a hit, or (nil, false)
	// on a miss or cache failure.
	GetByID(ctx context.Context, id uuid.UUID) (*types.Object, bool)

	// GetIDByCode resolves the code key to an object id.
	GetIDByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (uuid.UUID, bool)

	// Put writes both the obj: and code: keys for o with ttl.
	Put(ctx context.Context, o *types.Object, ttl time.Duration)

	// Invalidate removes the obj: key for id.
	Invalidate(ctx context.Context, id uuid.UUID)

	// InvalidateByCode resolves the code key to an id (if present) and
	// removes both keys.
	InvalidateByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string)

	// InvalidateByType is a best-effort, offline-oriented bulk purge; cost
	// is linear in cache size (SPEC_FULL.md Open Question decisions).
	InvalidateByType(ctx context.Context, typeCode string)
}
