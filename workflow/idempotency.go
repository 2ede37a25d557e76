package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/models"
)

// Operation names scoping idempotency keys.
const (
	OpCreateBatch    = "CREATE_BATCH"
	OpCreateRequest  = "CREATE_PAYMENT_REQUEST"
	OpUpdateRequest  = "UPDATE_PAYMENT_REQUEST"
	OpSubmitBatch    = "SUBMIT_BATCH"
	OpCancelBatch    = "CANCEL_BATCH"
	OpApproveRequest = "APPROVE_PAYMENT_REQUEST"
	OpRejectRequest  = "REJECT_PAYMENT_REQUEST"
	OpMarkPaid       = "MARK_PAYMENT_PAID"
	OpUploadSOA      = "UPLOAD_SOA"
)

// requireKey rejects a blank idempotency key. Mutations call it before any
// state pre-check so a keyless call fails validation even when the target is
// already in the requested state.
func requireKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return Validationf("idempotency key is required")
	}
	return nil
}

// PayloadHash fingerprints a mutation payload so a reused key with different
// content is detected as a conflict rather than replayed.
func PayloadHash(payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// lookupIdempotency returns the stored outcome for (key, op), a Conflict when
// the key was reused with a different payload, or nil when unseen.
func (s *Service) lookupIdempotency(ctx context.Context, key, op, hash string) (*models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	err := s.DB.WithContext(ctx).First(&rec, "key = ? AND operation = ?", key, op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Internal(err)
	}
	if rec.PayloadHash != hash {
		return nil, Conflictf("idempotency key reused with a different payload")
	}
	return &rec, nil
}

// recordIdempotency writes the outcome row inside the mutation's transaction,
// after the audit entry, so commit atomicity covers both.
func (s *Service) recordIdempotency(tx *gorm.DB, key, op string, target uuid.UUID, code int, hash string) error {
	return tx.Create(&models.IdempotencyKey{
		Key:         key,
		Operation:   op,
		TargetID:    target,
		StatusCode:  code,
		PayloadHash: hash,
		CreatedAt:   time.Now().UTC(),
	}).Error
}
