package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/models"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestAppendAndQuery(t *testing.T) {
	db := openDB(t)
	actor := uuid.New()
	batchID := uuid.New()
	otherID := uuid.New()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{EventType: EventBatchCreated, Actor: &actor, EntityKind: models.KindBatch, EntityID: batchID, New: map[string]any{"status": "DRAFT"}},
		{EventType: EventBatchSubmitted, Actor: &actor, EntityKind: models.KindBatch, EntityID: batchID, Prev: map[string]any{"status": "DRAFT"}, New: map[string]any{"status": "PROCESSING"}},
		{EventType: EventRequestCreated, Actor: &actor, EntityKind: models.KindRequest, EntityID: otherID, New: map[string]any{"status": "DRAFT"}},
	}
	for i, e := range entries {
		if err := Append(db, base.Add(time.Duration(i)*time.Second), e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rows, err := Query(db, Filter{EntityKind: models.KindBatch, EntityID: &batchID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Newest first.
	if rows[0].EventType != EventBatchSubmitted || rows[1].EventType != EventBatchCreated {
		t.Fatalf("unexpected order: %s, %s", rows[0].EventType, rows[1].EventType)
	}
	if rows[1].PrevState != nil {
		t.Fatal("creation entry must have no previous state")
	}
	if rows[0].PrevState == nil {
		t.Fatal("transition entry must carry the previous state")
	}

	from := base.Add(500 * time.Millisecond)
	rows, err = Query(db, Filter{ActorID: &actor, From: &from})
	if err != nil {
		t.Fatalf("query by actor: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after cutoff, got %d", len(rows))
	}
}

func TestQueryRejectsUnknownKind(t *testing.T) {
	db := openDB(t)
	if _, err := Query(db, Filter{EntityKind: "MYSTERY"}); err == nil {
		t.Fatal("unknown entity kind must be rejected")
	}
	// Ledger kinds are part of the canonical set.
	if _, err := Query(db, Filter{EntityKind: models.KindVendor}); err != nil {
		t.Fatalf("vendor kind must be accepted: %v", err)
	}
}

func TestQueryLimitClamped(t *testing.T) {
	db := openDB(t)
	id := uuid.New()
	for i := 0; i < 5; i++ {
		e := Entry{EventType: EventRequestUpdated, EntityKind: models.KindRequest, EntityID: id, New: map[string]any{"version": i}}
		if err := Append(db, time.Now().UTC().Add(time.Duration(i)*time.Millisecond), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rows, err := Query(db, Filter{EntityID: &id, Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected limit 3, got %d", len(rows))
	}
	rows, err = Query(db, Filter{EntityID: &id, Limit: 100000})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("oversized limit should clamp, got %d rows", len(rows))
	}
}

func TestRowsAreImmutable(t *testing.T) {
	db := openDB(t)
	id := uuid.New()
	if err := Append(db, time.Now().UTC(), Entry{EventType: EventBatchCreated, EntityKind: models.KindBatch, EntityID: id, New: map[string]any{"status": "DRAFT"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	var row models.AuditLog
	if err := db.First(&row, "entity_id = ?", id).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := db.Model(&row).Update("new_state", "{}").Error; err == nil {
		t.Fatal("update must be rejected")
	}
	if err := db.Delete(&row).Error; err == nil {
		t.Fatal("delete must be rejected")
	}
}
