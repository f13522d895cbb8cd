// Package noop is a Cache that always misses, used when no cache backend
// is configured.
package noop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/types"
)

// Cache implements cache.Cache with no backing store.
type Cache struct{}

// New returns a Cache that always misses.
func New() *Cache { return &Cache{} }

func (Cache) GetByID(ctx context.Context, id uuid.UUID) (*types.Object, bool) { return nil, false }

func (Cache) GetIDByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (uuid.UUID, bool) {
	return uuid.Nil, false
}

func (Cache) Put(ctx context.Context, o *types.Object, ttl time.Duration) {}

func (Cache) Invalidate(ctx context.Context, id uuid.UUID) {}

func (Cache) InvalidateByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) {}

func (Cache) InvalidateByType(ctx context.Context, typeCode string) {}

var _ cache.Cache = Cache{}
