package workflow

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
)

// CreateBatch opens a new DRAFT batch owned by the principal.
func (s *Service) CreateBatch(ctx context.Context, p Principal, title, key string) (*models.PaymentBatch, int, error) {
	if err := Authorize(p, CapCreateBatch, nil); err != nil {
		return nil, 0, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, 0, Validationf("title is required")
	}

	payload := map[string]any{"title": title, "created_by": p.UserID}
	id, code, _, err := s.mutate(ctx, key, OpCreateBatch, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		now := s.Now().UTC()
		batch := models.PaymentBatch{
			ID:          uuid.New(),
			Title:       title,
			Status:      models.BatchDraft,
			CreatedByID: p.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&batch).Error; err != nil {
			return uuid.Nil, 0, err
		}
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventBatchCreated,
			Actor:      &actor,
			EntityKind: models.KindBatch,
			EntityID:   batch.ID,
			New:        batchState(&batch),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return batch.ID, 201, nil
	})
	if err != nil {
		return nil, 0, err
	}
	batch, err := s.loadBatch(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return batch, code, nil
}

// SubmitBatch is the multi-row transition: the batch moves DRAFT, SUBMITTED,
// PROCESSING and every child request moves DRAFT, SUBMITTED, PENDING_APPROVAL
// inside one transaction. Lock order is the batch row first, then its requests
// ascending by id, so no two submissions can deadlock. A batch already
// SUBMITTED or PROCESSING is returned unchanged.
func (s *Service) SubmitBatch(ctx context.Context, p Principal, batchID uuid.UUID, key string) (*models.PaymentBatch, int, error) {
	pre, err := s.authorizeBatchMutation(ctx, p, batchID)
	if err != nil {
		return nil, 0, err
	}
	if err := requireKey(key); err != nil {
		return nil, 0, err
	}
	if pre.Status == models.BatchSubmitted || pre.Status == models.BatchProcessing {
		return pre, 200, nil
	}

	payload := map[string]any{"batch_id": batchID}
	id, code, _, err := s.mutate(ctx, key, OpSubmitBatch, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var batch models.PaymentBatch
		if err := s.lockForUpdate(tx).First(&batch, "id = ?", batchID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "batch not found")
		}
		if batch.Status == models.BatchSubmitted || batch.Status == models.BatchProcessing {
			return batch.ID, 200, errStateIdempotent
		}
		if err := ValidateBatchTransition(batch.Status, models.BatchSubmitted); err != nil {
			return uuid.Nil, 0, err
		}
		if err := ValidateBatchTransition(models.BatchSubmitted, models.BatchProcessing); err != nil {
			return uuid.Nil, 0, err
		}

		var requests []models.PaymentRequest
		if err := s.lockForUpdate(tx).Where("batch_id = ?", batch.ID).Order("id").Find(&requests).Error; err != nil {
			return uuid.Nil, 0, err
		}
		if len(requests) == 0 {
			return uuid.Nil, 0, PreconditionFailedf("batch has no requests")
		}

		now := s.Now().UTC()
		for i := range requests {
			req := &requests[i]
			if err := ValidateRequestTransition(req.Status, models.RequestSubmitted); err != nil {
				return uuid.Nil, 0, err
			}
			if err := ValidateRequestTransition(models.RequestSubmitted, models.RequestPendingApproval); err != nil {
				return uuid.Nil, 0, err
			}
			if err := validateComplete(req); err != nil {
				return uuid.Nil, 0, err
			}
			prev := requestState(req)
			if err := updateRequestIfVersion(tx, req.ID, req.Version, map[string]any{
				"status": models.RequestSubmitted, "updated_by_id": p.UserID, "updated_at": now,
			}); err != nil {
				return uuid.Nil, 0, err
			}
			if err := updateRequestIfVersion(tx, req.ID, req.Version+1, map[string]any{
				"status": models.RequestPendingApproval, "updated_at": now,
			}); err != nil {
				return uuid.Nil, 0, err
			}
			req.Status = models.RequestPendingApproval
			req.Version += 2
			actor := p.UserID
			if err := audit.Append(tx, now, audit.Entry{
				EventType:  audit.EventRequestSubmitted,
				Actor:      &actor,
				EntityKind: models.KindRequest,
				EntityID:   req.ID,
				Prev:       prev,
				New:        requestState(req),
			}); err != nil {
				return uuid.Nil, 0, err
			}
		}

		prev := batchState(&batch)
		if err := tx.Model(&models.PaymentBatch{}).Where("id = ?", batch.ID).Updates(map[string]any{
			"status": models.BatchProcessing, "submitted_at": now, "updated_at": now,
		}).Error; err != nil {
			return uuid.Nil, 0, err
		}
		batch.Status = models.BatchProcessing
		batch.SubmittedAt = &now
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventBatchSubmitted,
			Actor:      &actor,
			EntityKind: models.KindBatch,
			EntityID:   batch.ID,
			Prev:       prev,
			New:        batchState(&batch),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return batch.ID, 200, nil
	})
	if err != nil {
		return nil, 0, err
	}
	batch, err := s.loadBatch(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return batch, code, nil
}

// CancelBatch transitions a DRAFT batch to CANCELLED. The lock is taken inside
// the transaction and held until commit. A batch already CANCELLED is returned
// unchanged.
func (s *Service) CancelBatch(ctx context.Context, p Principal, batchID uuid.UUID, key string) (*models.PaymentBatch, int, error) {
	pre, err := s.authorizeBatchMutation(ctx, p, batchID)
	if err != nil {
		return nil, 0, err
	}
	if err := requireKey(key); err != nil {
		return nil, 0, err
	}
	if pre.Status == models.BatchCancelled {
		return pre, 200, nil
	}

	payload := map[string]any{"batch_id": batchID}
	id, code, _, err := s.mutate(ctx, key, OpCancelBatch, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var batch models.PaymentBatch
		if err := s.lockForUpdate(tx).First(&batch, "id = ?", batchID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "batch not found")
		}
		if batch.Status == models.BatchCancelled {
			return batch.ID, 200, errStateIdempotent
		}
		if err := ValidateBatchTransition(batch.Status, models.BatchCancelled); err != nil {
			return uuid.Nil, 0, err
		}
		now := s.Now().UTC()
		prev := batchState(&batch)
		// Terminal batches carry both timestamps; submitted_at marks leaving
		// DRAFT, completed_at marks the terminal state.
		if err := tx.Model(&models.PaymentBatch{}).Where("id = ?", batch.ID).Updates(map[string]any{
			"status": models.BatchCancelled, "submitted_at": now, "completed_at": now, "updated_at": now,
		}).Error; err != nil {
			return uuid.Nil, 0, err
		}
		batch.Status = models.BatchCancelled
		batch.SubmittedAt = &now
		batch.CompletedAt = &now
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventBatchCancelled,
			Actor:      &actor,
			EntityKind: models.KindBatch,
			EntityID:   batch.ID,
			Prev:       prev,
			New:        batchState(&batch),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return batch.ID, 200, nil
	})
	if err != nil {
		return nil, 0, err
	}
	batch, err := s.loadBatch(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return batch, code, nil
}

// GetBatch returns one batch with its requests.
func (s *Service) GetBatch(ctx context.Context, p Principal, batchID uuid.UUID) (*models.PaymentBatch, error) {
	if err := Authorize(p, CapRead, nil); err != nil {
		return nil, err
	}
	return s.loadBatch(ctx, batchID)
}

// ListBatches returns batches, newest first, optionally filtered by status.
func (s *Service) ListBatches(ctx context.Context, p Principal, status models.BatchStatus) ([]models.PaymentBatch, error) {
	if err := Authorize(p, CapRead, nil); err != nil {
		return nil, err
	}
	q := s.DB.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var batches []models.PaymentBatch
	if err := q.Find(&batches).Error; err != nil {
		return nil, Internal(err)
	}
	return batches, nil
}

func (s *Service) loadBatch(ctx context.Context, id uuid.UUID) (*models.PaymentBatch, error) {
	var batch models.PaymentBatch
	err := s.DB.WithContext(ctx).Preload("Requests").First(&batch, "id = ?", id).Error
	if err != nil {
		return nil, storeErr(err, "batch not found")
	}
	return &batch, nil
}

// authorizeBatchMutation runs the role and ownership gate against the current
// batch row before any idempotency lookup or write.
func (s *Service) authorizeBatchMutation(ctx context.Context, p Principal, batchID uuid.UUID) (*models.PaymentBatch, error) {
	if err := Authorize(p, CapMutateBatch, nil); err != nil {
		return nil, err
	}
	batch, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(p, CapMutateBatch, &batch.CreatedByID); err != nil {
		return nil, err
	}
	return batch, nil
}

func storeErr(err error, notFound string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFoundf("%s", notFound)
	}
	return err
}
