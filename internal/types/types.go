// Package types defines the entities persisted by the kernel object store:
// Object, ObjectVersion, ObjectRelationship, OutboxEntry, and MetadataCache.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Object.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusDeleted  Status = "DELETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// ChangeType classifies an ObjectVersion row.
type ChangeType string

const (
	ChangeCreate       ChangeType = "CREATE"
	ChangeUpdate       ChangeType = "UPDATE"
	ChangeDelete       ChangeType = "DELETE"
	ChangeRestore      ChangeType = "RESTORE"
	ChangeStatusChange ChangeType = "STATUS_CHANGE"
)

// Cardinality describes the declared multiplicity of a relationship.
type Cardinality string

const (
	CardinalityOneToOne  Cardinality = "1:1"
	CardinalityOneToMany Cardinality = "1:N"
	CardinalityManyToMany Cardinality = "N:N"
)

// OutboxStatus is the lifecycle state of an OutboxEntry.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"

	// OutboxClaimed marks a row a dispatcher replica has locked for
	// publish but not yet resolved. A claim transitions the row's status
	// in the same transaction as the SELECT ... FOR UPDATE SKIP LOCKED
	// that produced it, so the status change — not just the row lock —
	// is what stops a second replica from claiming it after commit.
	OutboxClaimed OutboxStatus = "CLAIMED"
)

// Object is the live record for a (tenant, type, code) business entity.
type Object struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenantId"`
	TypeCode   string          `json:"typeCode"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	Status     Status          `json:"status"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
	DeletedBy  string          `json:"deletedBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	CreatedBy  string          `json:"createdBy"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	ModifiedBy string          `json:"modifiedBy"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks field presence and the invariants named in the data
// model: version floor, delete-field consistency. It does not check
// uniqueness or cross-row invariants — those are Store-level.
func (o *Object) Validate() error {
	if o.TypeCode == "" {
		return fmt.Errorf("type_code is required")
	}
	if o.Code == "" {
		return fmt.Errorf("code is required")
	}
	if o.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(o.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("invalid status %q", o.Status)
	}
	if o.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", o.Version)
	}
	if o.Deleted && (o.DeletedAt == nil || o.Status != StatusDeleted) {
		return fmt.Errorf("deleted object must have deleted_at set and status DELETED")
	}
	if o.ModifiedAt.Before(o.CreatedAt) {
		return fmt.Errorf("modified_at must be >= created_at")
	}
	return nil
}

// ObjectVersion is an immutable snapshot appended once per mutation.
type ObjectVersion struct {
	ID             uuid.UUID       `json:"id"`
	ObjectID       uuid.UUID       `json:"objectId"`
	VersionNumber  int64           `json:"versionNumber"`
	ChangeType     ChangeType      `json:"changeType"`
	PreviousData   json.RawMessage `json:"previousData,omitempty"`
	CurrentData    json.RawMessage `json:"currentData,omitempty"`
	Diff           json.RawMessage `json:"diff,omitempty"`
	ChangedBy      string          `json:"changedBy"`
	IP             string          `json:"ip,omitempty"`
	UserAgent      string          `json:"userAgent,omitempty"`
	ChangeReason   string          `json:"changeReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ObjectRelationship is a directed, typed edge between two Objects.
type ObjectRelationship struct {
	ID            uuid.UUID       `json:"id"`
	SourceID      uuid.UUID       `json:"sourceId"`
	TargetID      uuid.UUID       `json:"targetId"`
	RelType       string          `json:"relType"`
	Cardinality   Cardinality     `json:"cardinality"`
	Bidirectional bool            `json:"bidirectional"`
	InverseType   string          `json:"inverseType,omitempty"`
	Strength      float64         `json:"strength"`
	DisplayOrder  int             `json:"displayOrder"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"createdAt"`
	CreatedBy     string          `json:"createdBy"`
	ModifiedAt    time.Time       `json:"modifiedAt"`
	ModifiedBy    string          `json:"modifiedBy"`
}

func (r *ObjectRelationship) Validate() error {
	if r.SourceID == uuid.Nil || r.TargetID == uuid.Nil {
		return fmt.Errorf("source_id and target_id are required")
	}
	if r.RelType == "" {
		return fmt.Errorf("rel_type is required")
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("strength must be in [0,1], got %f", r.Strength)
	}
	return nil
}

// OutboxEntry is a transactional outbox row, written in the same
// transaction as the Object/ObjectVersion mutation it records.
type OutboxEntry struct {
	ID             uuid.UUID       `json:"id"`
	AggregateID    uuid.UUID       `json:"aggregateId"`
	AggregateType  string          `json:"aggregateType"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retryCount"`
	MaxRetries     int             `json:"maxRetries"`
	Error          string          `json:"error,omitempty"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Partition      *int32          `json:"partition,omitempty"`
	Offset         *int64          `json:"offset,omitempty"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
	ClaimedAt      *time.Time      `json:"claimedAt,omitempty"`
}

// IdempotencyKeyFor computes the stable idempotency key for an outbox row.
func IdempotencyKeyFor(aggregateType string, aggregateID uuid.UUID, eventType string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", aggregateType, aggregateID, eventType, createdAt.UTC().Format(time.RFC3339Nano))
}

// MetadataCache is an optional type-level descriptor cached from an
// external metadata authority.
type MetadataCache struct {
	TypeCode       string          `json:"typeCode"`
	Descriptor     json.RawMessage `json:"descriptor"`
	SyncedAt       time.Time       `json:"syncedAt"`
	Stale          bool            `json:"stale"`
	TTLMinutes     int             `json:"ttlMinutes"`
	UsageCount     int64           `json:"usageCount"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
}

// ValidForUse reports whether the cached descriptor may still be used,
// per spec: ¬stale ∧ now < synced_at + ttl_minutes.
func (m *MetadataCache) ValidForUse(now time.Time) bool {
	if m.Stale {
		return false
	}
	return now.Before(m.SyncedAt.Add(time.Duration(m.TTLMinutes) * time.Minute))
}

// ActorContext threads the audit identity explicitly through every
// mutation, replacing the teacher's thread-local provider with an
// explicit parameter (spec.md §9).
type ActorContext struct {
	UserID    string
	IP        string
	UserAgent string
}
