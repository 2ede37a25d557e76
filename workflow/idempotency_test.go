package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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

func TestPayloadHashStable(t *testing.T) {
	a := PayloadHash(map[string]any{"title": "x", "created_by": uuid.Nil})
	b := PayloadHash(map[string]any{"title": "x", "created_by": uuid.Nil})
	if a != b {
		t.Fatal("equal payloads must hash equal")
	}
	c := PayloadHash(map[string]any{"title": "y", "created_by": uuid.Nil})
	if a == c {
		t.Fatal("different payloads must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestVersionGate(t *testing.T) {
	db := openDB(t)
	amount := decimal.RequireFromString("10.00")
	name, account, purpose := "A", "B", "C"
	req := models.PaymentRequest{
		ID:                 uuid.New(),
		BatchID:            uuid.New(),
		Status:             models.RequestDraft,
		Currency:           "USD",
		Version:            1,
		Amount:             &amount,
		BeneficiaryName:    &name,
		BeneficiaryAccount: &account,
		Purpose:            &purpose,
	}
	if err := db.Create(&req).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := updateRequestIfVersion(db, req.ID, 1, map[string]any{"status": models.RequestSubmitted}); err != nil {
		t.Fatalf("matching version must pass: %v", err)
	}
	var reloaded models.PaymentRequest
	if err := db.First(&reloaded, "id = ?", req.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Version != 2 {
		t.Fatalf("expected version 2, got %d", reloaded.Version)
	}
	if reloaded.Status != models.RequestSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", reloaded.Status)
	}

	// A stale expected version affects zero rows and surfaces as INVALID_STATE.
	err := updateRequestIfVersion(db, req.ID, 1, map[string]any{"status": models.RequestPendingApproval})
	if KindOf(err) != KindInvalidState {
		t.Fatalf("stale version must fail with INVALID_STATE, got %v", err)
	}
	if err := db.First(&reloaded, "id = ?", req.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.RequestSubmitted || reloaded.Version != 2 {
		t.Fatal("losing write must not change the row")
	}
}

func TestIdempotencyRecordRoundTrip(t *testing.T) {
	db := openDB(t)
	svc := NewService(db, nil, nil, nil, nil)
	target := uuid.New()
	hash := PayloadHash(map[string]any{"batch_id": target})

	if err := svc.recordIdempotency(db, "key-1", OpSubmitBatch, target, 200, hash); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, err := svc.lookupIdempotency(context.Background(), "key-1", OpSubmitBatch, hash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec == nil || rec.TargetID != target || rec.StatusCode != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Same key under a different operation is unseen.
	rec, err = svc.lookupIdempotency(context.Background(), "key-1", OpCancelBatch, hash)
	if err != nil || rec != nil {
		t.Fatalf("expected no record for other op, got %+v err %v", rec, err)
	}

	// Same key and operation with a different payload is a conflict.
	_, err = svc.lookupIdempotency(context.Background(), "key-1", OpSubmitBatch, PayloadHash("other"))
	if KindOf(err) != KindConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}
