// Package audit writes and reads the append-only event trail. Entries are
// created inside the same transaction as the mutation they describe; the
// model-level hooks reject updates and deletes.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/models"
)

// Event types recorded by the workflow service and its collaborators.
const (
	EventBatchCreated     = "BATCH_CREATED"
	EventRequestCreated   = "REQUEST_CREATED"
	EventRequestUpdated   = "REQUEST_UPDATED"
	EventBatchSubmitted   = "BATCH_SUBMITTED"
	EventRequestSubmitted = "REQUEST_SUBMITTED"
	EventBatchCancelled   = "BATCH_CANCELLED"
	EventApprovalRecorded = "APPROVAL_RECORDED"
	EventRequestPaid      = "REQUEST_PAID"
	EventBatchCompleted   = "BATCH_COMPLETED"
	EventSOAUploaded      = "SOA_UPLOADED"
	EventSOAGenerated     = "SOA_GENERATED"
	EventSOADownloaded    = "SOA_DOWNLOADED"
	EventUserCreated      = "USER_CREATED"

	EventLedgerCreated     = "LEDGER_CREATED"
	EventLedgerDeactivated = "LEDGER_DEACTIVATED"
)

// Entry describes one state change to append. Prev is nil for creations;
// Actor is nil for system events.
type Entry struct {
	EventType  string
	Actor      *uuid.UUID
	EntityKind string
	EntityID   uuid.UUID
	Prev       any
	New        any
}

// Append writes one audit row within the caller's transaction.
func Append(tx *gorm.DB, at time.Time, e Entry) error {
	newState, err := json.Marshal(e.New)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	row := models.AuditLog{
		ID:         uuid.New(),
		EventType:  e.EventType,
		ActorID:    e.Actor,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		NewState:   string(newState),
		OccurredAt: at,
	}
	if e.Prev != nil {
		prevState, err := json.Marshal(e.Prev)
		if err != nil {
			return fmt.Errorf("marshal previous state: %w", err)
		}
		prev := string(prevState)
		row.PrevState = &prev
	}
	return tx.Create(&row).Error
}

// EntityKinds is the allowed set for the entity-kind filter. Ledger kinds are
// included; downstream consumers treat this list as canonical.
var EntityKinds = map[string]struct{}{
	models.KindBatch:              {},
	models.KindRequest:            {},
	models.KindSOA:                {},
	models.KindUser:               {},
	models.KindClient:             {},
	models.KindSite:               {},
	models.KindVendorType:         {},
	models.KindVendor:             {},
	models.KindSubcontractorScope: {},
	models.KindSubcontractor:      {},
}

// Filter narrows an audit query. Zero values mean "no constraint".
type Filter struct {
	EntityKind string
	EntityID   *uuid.UUID
	ActorID    *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Query returns matching audit rows ordered by occurrence, newest first.
func Query(db *gorm.DB, f Filter) ([]models.AuditLog, error) {
	if f.EntityKind != "" {
		if _, ok := EntityKinds[f.EntityKind]; !ok {
			return nil, fmt.Errorf("unknown entity kind %q", f.EntityKind)
		}
	}
	q := db.Model(&models.AuditLog{})
	if f.EntityKind != "" {
		q = q.Where("entity_kind = ?", f.EntityKind)
	}
	if f.EntityID != nil {
		q = q.Where("entity_id = ?", *f.EntityID)
	}
	if f.ActorID != nil {
		q = q.Where("actor_id = ?", *f.ActorID)
	}
	if f.From != nil {
		q = q.Where("occurred_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("occurred_at <= ?", *f.To)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.AuditLog
	err := q.Order("occurred_at DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	return rows, err
}
