package workflow

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
)

// nextSOAVersion computes the next gap-free version number under the request's
// row lock. The composite unique index backs the computation up under races.
func nextSOAVersion(tx *gorm.DB, requestID uuid.UUID) (int, error) {
	var current sql.NullInt64
	err := tx.Model(&models.SOAVersion{}).
		Where("request_id = ?", requestID).
		Select("MAX(version_number)").
		Scan(&current).Error
	if err != nil {
		return 0, err
	}
	return int(current.Int64) + 1, nil
}

// UploadSOA attaches a new statement-of-account version to a DRAFT request.
// The document bytes go to blob storage before the transaction opens; no I/O
// happens while locks are held.
func (s *Service) UploadSOA(ctx context.Context, p Principal, requestID uuid.UUID, document []byte, key string) (*models.SOAVersion, int, error) {
	if err := Authorize(p, CapUploadSOA, nil); err != nil {
		return nil, 0, err
	}
	if len(document) == 0 {
		return nil, 0, Validationf("document is required")
	}
	pre, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	owner, err := s.loadBatch(ctx, pre.BatchID)
	if err != nil {
		return nil, 0, err
	}
	if err := Authorize(p, CapUploadSOA, &owner.CreatedByID); err != nil {
		return nil, 0, err
	}

	if err := requireKey(key); err != nil {
		return nil, 0, err
	}
	key = strings.TrimSpace(key)
	docSum := sha256.Sum256(document)
	payload := map[string]any{"request_id": requestID, "document_sha256": hex.EncodeToString(docSum[:])}

	// Consult the registry before the blob write so a replay (or a key reused
	// with a different document) never stores a second copy. The blob key is
	// content-addressed, so a concurrent duplicate overwrites the same bytes
	// rather than orphaning a new object.
	if rec, err := s.lookupIdempotency(ctx, key, OpUploadSOA, PayloadHash(payload)); err != nil {
		return nil, 0, err
	} else if rec != nil {
		var soa models.SOAVersion
		if err := s.DB.WithContext(ctx).First(&soa, "id = ?", rec.TargetID).Error; err != nil {
			return nil, 0, Internal(err)
		}
		return &soa, rec.StatusCode, nil
	}

	blobKey := fmt.Sprintf("requests/%s/soa/%s.pdf", requestID, hex.EncodeToString(docSum[:]))
	if err := s.Blobs.Put(ctx, blobKey, document); err != nil {
		return nil, 0, Internal(err)
	}

	id, code, _, err := s.mutate(ctx, key, OpUploadSOA, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var req models.PaymentRequest
		if err := s.lockForUpdate(tx).First(&req, "id = ?", requestID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "request not found")
		}
		if req.Status != models.RequestDraft {
			return uuid.Nil, 0, InvalidStatef("SOA uploads are only allowed while the request is DRAFT")
		}
		version, err := nextSOAVersion(tx, req.ID)
		if err != nil {
			return uuid.Nil, 0, err
		}
		now := s.Now().UTC()
		actor := p.UserID
		soa := models.SOAVersion{
			ID:            uuid.New(),
			RequestID:     req.ID,
			VersionNumber: version,
			DocumentRef:   blobKey,
			Source:        models.SOASourceUpload,
			UploadedByID:  &actor,
			UploadedAt:    now,
		}
		if err := tx.Create(&soa).Error; err != nil {
			return uuid.Nil, 0, err
		}
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventSOAUploaded,
			Actor:      &actor,
			EntityKind: models.KindSOA,
			EntityID:   soa.ID,
			New:        map[string]any{"request_id": req.ID, "version_number": version, "source": soa.Source},
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return soa.ID, 201, nil
	})
	if err != nil {
		return nil, 0, err
	}
	var soa models.SOAVersion
	if err := s.DB.WithContext(ctx).First(&soa, "id = ?", id).Error; err != nil {
		return nil, 0, Internal(err)
	}
	return &soa, code, nil
}

// GenerateSOAsForBatch renders one GENERATED attachment per request when a
// batch completes. Idempotent: any existing GENERATED version for the batch
// means generation already ran. Rendering happens outside any transaction and
// each attachment commits on its own.
func (s *Service) GenerateSOAsForBatch(ctx context.Context, batchID uuid.UUID) error {
	var generated int64
	err := s.DB.WithContext(ctx).Model(&models.SOAVersion{}).
		Joins("JOIN payment_requests ON payment_requests.id = soa_versions.request_id").
		Where("payment_requests.batch_id = ? AND soa_versions.source = ?", batchID, models.SOASourceGenerated).
		Count(&generated).Error
	if err != nil {
		return Internal(err)
	}
	if generated > 0 {
		return nil
	}

	var requests []models.PaymentRequest
	if err := s.DB.WithContext(ctx).Where("batch_id = ?", batchID).Order("id").Find(&requests).Error; err != nil {
		return Internal(err)
	}
	for _, req := range requests {
		document, err := s.Render.RenderSOA(ctx, req)
		if err != nil {
			return Internal(fmt.Errorf("render SOA for request %s: %w", req.ID, err))
		}
		blobKey := fmt.Sprintf("requests/%s/soa/%s.pdf", req.ID, uuid.New())
		if err := s.Blobs.Put(ctx, blobKey, document); err != nil {
			return Internal(err)
		}
		err = s.transaction(ctx, sql.LevelDefault, func(tx *gorm.DB) error {
			var locked models.PaymentRequest
			if err := s.lockForUpdate(tx).First(&locked, "id = ?", req.ID).Error; err != nil {
				return err
			}
			version, err := nextSOAVersion(tx, locked.ID)
			if err != nil {
				return err
			}
			now := s.Now().UTC()
			soa := models.SOAVersion{
				ID:            uuid.New(),
				RequestID:     locked.ID,
				VersionNumber: version,
				DocumentRef:   blobKey,
				Source:        models.SOASourceGenerated,
				UploadedAt:    now,
			}
			if err := tx.Create(&soa).Error; err != nil {
				return err
			}
			return audit.Append(tx, now, audit.Entry{
				EventType:  audit.EventSOAGenerated,
				EntityKind: models.KindSOA,
				EntityID:   soa.ID,
				New:        map[string]any{"request_id": locked.ID, "version_number": version, "source": soa.Source},
			})
		})
		if err != nil {
			return AsError(err)
		}
	}
	return nil
}

// ListSOAVersions returns all attachment versions of a request in order.
func (s *Service) ListSOAVersions(ctx context.Context, p Principal, requestID uuid.UUID) ([]models.SOAVersion, error) {
	if err := Authorize(p, CapRead, nil); err != nil {
		return nil, err
	}
	if _, err := s.loadRequest(ctx, requestID); err != nil {
		return nil, err
	}
	var versions []models.SOAVersion
	err := s.DB.WithContext(ctx).Where("request_id = ?", requestID).Order("version_number").Find(&versions).Error
	if err != nil {
		return nil, Internal(err)
	}
	return versions, nil
}

// DownloadSOA fetches one attachment's bytes and appends the read-side audit
// event in its own transaction.
func (s *Service) DownloadSOA(ctx context.Context, p Principal, requestID uuid.UUID, versionNumber int) ([]byte, *models.SOAVersion, error) {
	if err := Authorize(p, CapRead, nil); err != nil {
		return nil, nil, err
	}
	var soa models.SOAVersion
	err := s.DB.WithContext(ctx).First(&soa, "request_id = ? AND version_number = ?", requestID, versionNumber).Error
	if err != nil {
		return nil, nil, storeErr(err, "SOA version not found")
	}
	document, err := s.Blobs.Get(ctx, soa.DocumentRef)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil, NotFoundf("SOA document not found")
		}
		return nil, nil, Internal(err)
	}
	actor := p.UserID
	err = s.transaction(ctx, sql.LevelDefault, func(tx *gorm.DB) error {
		return audit.Append(tx, s.Now().UTC(), audit.Entry{
			EventType:  audit.EventSOADownloaded,
			Actor:      &actor,
			EntityKind: models.KindSOA,
			EntityID:   soa.ID,
			New:        map[string]any{"request_id": requestID, "version_number": versionNumber},
		})
	})
	if err != nil {
		return nil, nil, Internal(err)
	}
	return document, &soa, nil
}
