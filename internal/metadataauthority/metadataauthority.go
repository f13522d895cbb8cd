// Package metadataauthority refreshes MetadataCache rows from an external
// type registry so the Mutator can enrich validation with a type-level
// descriptor (spec.md §3 "MetadataCache"). It is grounded on the
// teacher's notification.Dispatcher (internal/notification/dispatch.go)
// for the bounded-attempt net/http dispatch shape, and on
// storage.NormalizeMetadataValue / ValidateMetadataKey
// (internal/storage/metadata.go) for the descriptor validation helpers.
package metadataauthority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

// DefaultTTLMinutes is used for a freshly fetched descriptor when the
// registry response does not specify one.
const DefaultTTLMinutes = 60

// MaxAttempts bounds the number of HTTP attempts per refresh, matching
// spec.md §7's "database retries are bounded (3)" policy applied here to
// the metadata authority's own dependency call.
const MaxAttempts = 3

var validTypeCodeRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Authority fetches and caches type-level descriptors.
type Authority struct {
	store   store.Store
	client  *http.Client
	baseURL string
}

// New builds an Authority. baseURL is the root of the external registry,
// queried as GET {baseURL}/types/{typeCode}.
func New(s store.Store, baseURL string, client *http.Client) *Authority {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Authority{store: s, baseURL: baseURL, client: client}
}

// registryResponse is the external registry's JSON shape.
type registryResponse struct {
	Descriptor json.RawMessage `json:"descriptor"`
	TTLMinutes int             `json:"ttlMinutes"`
}

// Descriptor returns a valid-for-use MetadataCache row for typeCode,
// refreshing from the registry when the cached row is absent, stale, or
// past its TTL (spec.md §3's ValidForUse predicate).
func (a *Authority) Descriptor(ctx context.Context, typeCode string) (*types.MetadataCache, error) {
	const op = "metadataauthority.Descriptor"
	if !validTypeCodeRe.MatchString(typeCode) {
		return nil, errs.InvalidArgumentErr(op, fmt.Errorf("invalid type_code %q", typeCode))
	}

	var cached *types.MetadataCache
	err := a.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		m, err := tx.GetMetadataCache(ctx, typeCode)
		if err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
		cached = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if cached != nil && cached.ValidForUse(now) {
		a.touch(ctx, typeCode)
		return cached, nil
	}

	return a.Refresh(ctx, typeCode)
}

// Refresh unconditionally fetches typeCode's descriptor from the registry
// and persists it, retrying any fetch failure up to MaxAttempts times.
// When every attempt fails, Refresh marks any existing cached row stale
// and returns a StoreUnavailable error.
func (a *Authority) Refresh(ctx context.Context, typeCode string) (*types.MetadataCache, error) {
	const op = "metadataauthority.Refresh"

	resp, err := a.fetchWithRetry(ctx, typeCode)
	if err != nil {
		a.markStale(ctx, typeCode)
		return nil, errs.StoreUnavailableErr(op, err)
	}

	now := time.Now().UTC()
	ttl := resp.TTLMinutes
	if ttl <= 0 {
		ttl = DefaultTTLMinutes
	}
	m := &types.MetadataCache{
		TypeCode:       typeCode,
		Descriptor:     resp.Descriptor,
		SyncedAt:       now,
		Stale:          false,
		TTLMinutes:     ttl,
		LastAccessedAt: now,
	}

	err = a.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		existing, gerr := tx.GetMetadataCache(ctx, typeCode)
		if gerr == nil {
			m.UsageCount = existing.UsageCount
		}
		return tx.UpsertMetadataCache(ctx, m)
	})
	if err != nil {
		return nil, errs.IntegrityErr(op, err)
	}
	return m, nil
}

func (a *Authority) fetchWithRetry(ctx context.Context, typeCode string) (*registryResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		resp, err := a.fetch(ctx, typeCode)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (a *Authority) fetch(ctx context.Context, typeCode string) (*registryResponse, error) {
	url := fmt.Sprintf("%s/types/%s", a.baseURL, typeCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata registry request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading metadata registry response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata registry returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out registryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding metadata registry response: %w", err)
	}
	if !json.Valid(out.Descriptor) {
		return nil, fmt.Errorf("metadata registry returned invalid descriptor JSON")
	}
	return &out, nil
}

// touch bumps usage bookkeeping on a cache hit; failures are swallowed
// since this is accounting, not correctness.
func (a *Authority) touch(ctx context.Context, typeCode string) {
	_ = a.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		m, err := tx.GetMetadataCache(ctx, typeCode)
		if err != nil {
			return err
		}
		m.UsageCount++
		m.LastAccessedAt = time.Now().UTC()
		return tx.UpsertMetadataCache(ctx, m)
	})
}

func (a *Authority) markStale(ctx context.Context, typeCode string) {
	_ = a.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		m, err := tx.GetMetadataCache(ctx, typeCode)
		if err != nil {
			return nil // nothing cached yet; staleness is moot
		}
		m.Stale = true
		return tx.UpsertMetadataCache(ctx, m)
	})
}
