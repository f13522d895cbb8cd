// Package versioner appends ObjectVersion rows inside a caller-owned
// transaction, grounded on the teacher's recordEvent helper
// (internal/storage/dolt/issues.go) and its append-only events table
// pattern, generalized from a fixed event enum to the five ChangeType
// values and to persisting the structural diff alongside before/after
// snapshots.
package versioner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/differ"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

// Params carries everything needed to append one version row. Previous is
// nil for a CREATE.
type Params struct {
	ObjectID      uuid.UUID
	VersionNumber int64
	ChangeType    types.ChangeType
	Previous      []byte
	Current       []byte
	Actor         types.ActorContext
	ChangeReason  string
	Now           time.Time
}

// Versioner records history rows. It holds no state of its own — every
// call runs inside the transaction the Mutator already opened.
type Versioner struct{}

// New returns a Versioner. It exists as a type, not a package-level
// function, so it can later gain dependencies (e.g. a diff-size limit)
// without changing call sites.
func New() *Versioner {
	return &Versioner{}
}

// Record computes the diff (for UPDATE changes) and inserts the version
// row via tx, returning the inserted row. The Mutator does not use the
// returned ObjectVersion; its outbox payload is built from the object.
func (v *Versioner) Record(ctx context.Context, tx store.Transaction, p Params) (*types.ObjectVersion, error) {
	current := p.Current
	if p.ChangeType == types.ChangeDelete {
		// spec: for DELETE, current_data is null — the row still exists
		// with its live payload, but the version row must record the
		// deletion itself, not a snapshot of the unchanged data.
		current = nil
	}

	version := &types.ObjectVersion{
		ID:            uuid.New(),
		ObjectID:      p.ObjectID,
		VersionNumber: p.VersionNumber,
		ChangeType:    p.ChangeType,
		PreviousData:  p.Previous,
		CurrentData:   current,
		ChangedBy:     p.Actor.UserID,
		IP:            p.Actor.IP,
		UserAgent:     p.Actor.UserAgent,
		ChangeReason:  p.ChangeReason,
		CreatedAt:     p.Now,
	}

	if p.ChangeType == types.ChangeUpdate && p.Previous != nil && p.Current != nil {
		d, err := differ.Diff(p.Previous, p.Current)
		if err != nil {
			return nil, err
		}
		if d != nil {
			raw, err := json.Marshal(d)
			if err != nil {
				return nil, err
			}
			version.Diff = raw
		}
	}

	if err := tx.InsertVersion(ctx, version); err != nil {
		return nil, err
	}
	return version, nil
}
