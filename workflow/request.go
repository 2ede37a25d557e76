package workflow

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
)

// RequestInput carries the fields for creating or patching a payment request.
// Nil means "not provided". Exactly one of the two shapes may be used.
type RequestInput struct {
	Currency string `json:"currency"`

	Amount             *decimal.Decimal `json:"amount"`
	BeneficiaryName    *string          `json:"beneficiary_name"`
	BeneficiaryAccount *string          `json:"beneficiary_account"`
	Purpose            *string          `json:"purpose"`

	EntityType      *string          `json:"entity_type"`
	VendorID        *uuid.UUID       `json:"vendor_id"`
	SubcontractorID *uuid.UUID       `json:"subcontractor_id"`
	SiteID          *uuid.UUID       `json:"site_id"`
	BaseAmount      *decimal.Decimal `json:"base_amount"`
	ExtraAmount     *decimal.Decimal `json:"extra_amount"`
	ExtraReason     *string          `json:"extra_reason"`
}

func (in *RequestInput) legacyProvided() bool {
	return in.Amount != nil || in.BeneficiaryName != nil || in.BeneficiaryAccount != nil || in.Purpose != nil
}

func (in *RequestInput) ledgerProvided() bool {
	return in.EntityType != nil || in.VendorID != nil || in.SubcontractorID != nil ||
		in.SiteID != nil || in.BaseAmount != nil || in.ExtraAmount != nil || in.ExtraReason != nil
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// updateRequestIfVersion is the version gate: the conditional-update primitive
// every versioned request write goes through. Zero rows affected means another
// worker won the version race.
func updateRequestIfVersion(tx *gorm.DB, id uuid.UUID, expected int64, set map[string]any) error {
	set["version"] = gorm.Expr("version + 1")
	res := tx.Model(&models.PaymentRequest{}).Where("id = ? AND version = ?", id, expected).Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return InvalidStatef("concurrent modification")
	}
	return nil
}

// AddRequest inserts a DRAFT request into a DRAFT batch. Ledger-driven inputs
// are resolved and re-read under the transaction's locks; display names and
// the site code are snapshotted so later renames do not alter history.
func (s *Service) AddRequest(ctx context.Context, p Principal, batchID uuid.UUID, in RequestInput, key string) (*models.PaymentRequest, int, error) {
	if _, err := s.authorizeBatchMutation(ctx, p, batchID); err != nil {
		return nil, 0, err
	}

	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if !validCurrency(in.Currency) {
		return nil, 0, Validationf("currency must be a three-letter ISO code")
	}
	legacy, ledger := in.legacyProvided(), in.ledgerProvided()
	if legacy && ledger {
		return nil, 0, Validationf("legacy and ledger-driven fields cannot be mixed")
	}
	if !legacy && !ledger {
		return nil, 0, Validationf("either legacy or ledger-driven fields are required")
	}

	payload := map[string]any{"batch_id": batchID, "input": in}
	id, code, _, err := s.mutate(ctx, key, OpCreateRequest, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var batch models.PaymentBatch
		if err := s.lockForUpdate(tx).First(&batch, "id = ?", batchID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "batch not found")
		}
		if batch.Status != models.BatchDraft {
			return uuid.Nil, 0, InvalidStatef("requests can only be added while the batch is DRAFT")
		}

		now := s.Now().UTC()
		req := models.PaymentRequest{
			ID:          uuid.New(),
			BatchID:     batch.ID,
			Status:      models.RequestDraft,
			Currency:    in.Currency,
			Version:     1,
			CreatedByID: p.UserID,
			UpdatedByID: p.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if legacy {
			if err := applyLegacy(&req, &in); err != nil {
				return uuid.Nil, 0, err
			}
		} else {
			if err := s.applyLedger(tx, &req, &in); err != nil {
				return uuid.Nil, 0, err
			}
		}
		if err := tx.Create(&req).Error; err != nil {
			return uuid.Nil, 0, err
		}
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventRequestCreated,
			Actor:      &actor,
			EntityKind: models.KindRequest,
			EntityID:   req.ID,
			New:        requestState(&req),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return req.ID, 201, nil
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return req, code, nil
}

func applyLegacy(req *models.PaymentRequest, in *RequestInput) error {
	if in.Amount == nil || !in.Amount.IsPositive() {
		return Validationf("amount must be positive")
	}
	if in.BeneficiaryName == nil || strings.TrimSpace(*in.BeneficiaryName) == "" {
		return Validationf("beneficiary_name is required")
	}
	if in.BeneficiaryAccount == nil || strings.TrimSpace(*in.BeneficiaryAccount) == "" {
		return Validationf("beneficiary_account is required")
	}
	if in.Purpose == nil || strings.TrimSpace(*in.Purpose) == "" {
		return Validationf("purpose is required")
	}
	req.Amount = in.Amount
	req.BeneficiaryName = in.BeneficiaryName
	req.BeneficiaryAccount = in.BeneficiaryAccount
	req.Purpose = in.Purpose
	return nil
}

// applyLedger validates the ledger-driven shape against reference data read
// under the transaction's locks and snapshots the display fields.
func (s *Service) applyLedger(tx *gorm.DB, req *models.PaymentRequest, in *RequestInput) error {
	if in.EntityType == nil {
		return Validationf("entity_type is required")
	}
	entityType := *in.EntityType
	if entityType != models.EntityVendor && entityType != models.EntitySubcontractor {
		return Validationf("entity_type must be VENDOR or SUBCONTRACTOR")
	}
	if in.VendorID != nil && in.SubcontractorID != nil {
		return Validationf("vendor and subcontractor are mutually exclusive")
	}
	if in.SiteID == nil {
		return Validationf("site_id is required")
	}
	if in.BaseAmount == nil || !in.BaseAmount.IsPositive() {
		return Validationf("base_amount must be positive")
	}
	extra := decimal.Zero
	if in.ExtraAmount != nil {
		extra = *in.ExtraAmount
	}
	if extra.IsNegative() {
		return Validationf("extra_amount cannot be negative")
	}
	reason := ""
	if in.ExtraReason != nil {
		reason = strings.TrimSpace(*in.ExtraReason)
	}
	if extra.IsPositive() && reason == "" {
		return Validationf("extra_reason is required when extra_amount is positive")
	}
	if !extra.IsPositive() && reason != "" {
		return Validationf("extra_reason requires a positive extra_amount")
	}

	locked := s.lockForUpdate(tx)
	var counterparty *CounterpartyRef
	switch entityType {
	case models.EntityVendor:
		if in.VendorID == nil {
			return Validationf("vendor_id is required for entity_type VENDOR")
		}
		ref, err := s.Refs.Vendor(locked, *in.VendorID)
		if err != nil {
			return err
		}
		counterparty = ref
		req.VendorID = in.VendorID
	case models.EntitySubcontractor:
		if in.SubcontractorID == nil {
			return Validationf("subcontractor_id is required for entity_type SUBCONTRACTOR")
		}
		ref, err := s.Refs.Subcontractor(locked, *in.SubcontractorID)
		if err != nil {
			return err
		}
		counterparty = ref
		req.SubcontractorID = in.SubcontractorID
	}
	if !counterparty.Active {
		return Validationf("%s is not active", strings.ToLower(entityType))
	}
	site, err := s.Refs.Site(locked, *in.SiteID)
	if err != nil {
		return err
	}
	if !site.Active {
		return Validationf("site is not active")
	}

	total := in.BaseAmount.Add(extra)
	req.EntityType = &entityType
	req.SiteID = in.SiteID
	req.BaseAmount = in.BaseAmount
	req.ExtraAmount = &extra
	req.TotalAmount = &total
	if reason != "" {
		req.ExtraReason = &reason
	}
	req.EntityNameSnap = &counterparty.DisplayName
	req.SiteCodeSnap = &site.Code
	return nil
}

// validateComplete re-checks that a request carries all fields its shape
// requires; submit refuses incomplete drafts.
func validateComplete(req *models.PaymentRequest) error {
	if req.Amount != nil {
		if req.BeneficiaryName == nil || req.BeneficiaryAccount == nil || req.Purpose == nil {
			return PreconditionFailedf("request %s is missing beneficiary fields", req.ID)
		}
		return nil
	}
	if req.BaseAmount == nil || req.EntityType == nil || req.SiteID == nil {
		return PreconditionFailedf("request %s is missing ledger fields", req.ID)
	}
	return nil
}

// UpdateRequest patches a DRAFT request in place. Only provided fields are
// applied; the merged row is validated under the same rules as creation and
// written through the version gate.
func (s *Service) UpdateRequest(ctx context.Context, p Principal, batchID, requestID uuid.UUID, in RequestInput, key string) (*models.PaymentRequest, int, error) {
	if _, err := s.authorizeBatchMutation(ctx, p, batchID); err != nil {
		return nil, 0, err
	}

	payload := map[string]any{"request_id": requestID, "input": in}
	id, code, _, err := s.mutate(ctx, key, OpUpdateRequest, payload, sql.LevelDefault, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var batch models.PaymentBatch
		if err := s.lockForUpdate(tx).First(&batch, "id = ?", batchID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "batch not found")
		}
		if batch.Status != models.BatchDraft {
			return uuid.Nil, 0, InvalidStatef("requests can only be edited while the batch is DRAFT")
		}
		var req models.PaymentRequest
		if err := s.lockForUpdate(tx).First(&req, "id = ? AND batch_id = ?", requestID, batchID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "request not found")
		}
		if err := ValidateRequestTransition(req.Status, models.RequestDraft); err != nil {
			return uuid.Nil, 0, err
		}
		prev := requestState(&req)

		merged := req
		if in.Currency != "" {
			merged.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
			if !validCurrency(merged.Currency) {
				return uuid.Nil, 0, Validationf("currency must be a three-letter ISO code")
			}
		}
		patch := RequestInput{Currency: merged.Currency}
		if req.Amount != nil {
			if in.ledgerProvided() {
				return uuid.Nil, 0, Validationf("legacy and ledger-driven fields cannot be mixed")
			}
			patch.Amount = coalesceDecimal(in.Amount, req.Amount)
			patch.BeneficiaryName = coalesceString(in.BeneficiaryName, req.BeneficiaryName)
			patch.BeneficiaryAccount = coalesceString(in.BeneficiaryAccount, req.BeneficiaryAccount)
			patch.Purpose = coalesceString(in.Purpose, req.Purpose)
			if err := applyLegacy(&merged, &patch); err != nil {
				return uuid.Nil, 0, err
			}
		} else {
			if in.legacyProvided() {
				return uuid.Nil, 0, Validationf("legacy and ledger-driven fields cannot be mixed")
			}
			patch.EntityType = coalesceString(in.EntityType, req.EntityType)
			patch.SiteID = coalesceUUID(in.SiteID, req.SiteID)
			patch.BaseAmount = coalesceDecimal(in.BaseAmount, req.BaseAmount)
			patch.ExtraAmount = coalesceDecimal(in.ExtraAmount, req.ExtraAmount)
			patch.ExtraReason = coalesceString(in.ExtraReason, req.ExtraReason)
			// Switching counterparty replaces, never augments.
			switch {
			case in.VendorID != nil:
				patch.VendorID = in.VendorID
			case in.SubcontractorID != nil:
				patch.SubcontractorID = in.SubcontractorID
			default:
				patch.VendorID = req.VendorID
				patch.SubcontractorID = req.SubcontractorID
			}
			merged.VendorID = nil
			merged.SubcontractorID = nil
			merged.ExtraReason = nil
			if err := s.applyLedger(tx, &merged, &patch); err != nil {
				return uuid.Nil, 0, err
			}
		}

		now := s.Now().UTC()
		set := map[string]any{
			"currency":            merged.Currency,
			"amount":              merged.Amount,
			"beneficiary_name":    merged.BeneficiaryName,
			"beneficiary_account": merged.BeneficiaryAccount,
			"purpose":             merged.Purpose,
			"entity_type":         merged.EntityType,
			"vendor_id":           merged.VendorID,
			"subcontractor_id":    merged.SubcontractorID,
			"site_id":             merged.SiteID,
			"base_amount":         merged.BaseAmount,
			"extra_amount":        merged.ExtraAmount,
			"extra_reason":        merged.ExtraReason,
			"total_amount":        merged.TotalAmount,
			"entity_name_snap":    merged.EntityNameSnap,
			"site_code_snap":      merged.SiteCodeSnap,
			"updated_by_id":       p.UserID,
			"updated_at":          now,
		}
		if err := updateRequestIfVersion(tx, req.ID, req.Version, set); err != nil {
			return uuid.Nil, 0, err
		}
		merged.Version = req.Version + 1
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventRequestUpdated,
			Actor:      &actor,
			EntityKind: models.KindRequest,
			EntityID:   req.ID,
			Prev:       prev,
			New:        requestState(&merged),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return req.ID, 200, nil
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return req, code, nil
}

func coalesceDecimal(a, b *decimal.Decimal) *decimal.Decimal {
	if a != nil {
		return a
	}
	return b
}

func coalesceString(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func coalesceUUID(a, b *uuid.UUID) *uuid.UUID {
	if a != nil {
		return a
	}
	return b
}

// ApproveRequest records an APPROVED decision on a PENDING_APPROVAL request.
func (s *Service) ApproveRequest(ctx context.Context, p Principal, requestID uuid.UUID, comment, key string) (*models.PaymentRequest, int, error) {
	return s.decide(ctx, p, requestID, models.DecisionApproved, comment, key)
}

// RejectRequest records a REJECTED decision on a PENDING_APPROVAL request.
func (s *Service) RejectRequest(ctx context.Context, p Principal, requestID uuid.UUID, comment, key string) (*models.PaymentRequest, int, error) {
	return s.decide(ctx, p, requestID, models.DecisionRejected, comment, key)
}

// decide runs the shared approve/reject transition at repeatable read: the
// version read and the row lock must see one consistent snapshot.
func (s *Service) decide(ctx context.Context, p Principal, requestID uuid.UUID, decision, comment, key string) (*models.PaymentRequest, int, error) {
	if err := Authorize(p, CapApprove, nil); err != nil {
		return nil, 0, err
	}
	op := OpApproveRequest
	target := models.RequestApproved
	if decision == models.DecisionRejected {
		op = OpRejectRequest
		target = models.RequestRejected
	}

	payload := map[string]any{"request_id": requestID, "comment": comment}
	id, code, replayed, err := s.mutate(ctx, key, op, payload, sql.LevelRepeatableRead, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var req models.PaymentRequest
		if err := s.lockForUpdate(tx).First(&req, "id = ?", requestID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "request not found")
		}
		if err := ValidateRequestTransition(req.Status, target); err != nil {
			return uuid.Nil, 0, err
		}
		var existing models.ApprovalRecord
		switch err := tx.First(&existing, "request_id = ?", req.ID).Error; {
		case err == nil:
			return uuid.Nil, 0, Conflictf("request already has an approval record")
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return uuid.Nil, 0, err
		}
		now := s.Now().UTC()
		prev := requestState(&req)
		if err := updateRequestIfVersion(tx, req.ID, req.Version, map[string]any{
			"status": target, "updated_by_id": p.UserID, "updated_at": now,
		}); err != nil {
			return uuid.Nil, 0, err
		}
		record := models.ApprovalRecord{
			ID:         uuid.New(),
			RequestID:  req.ID,
			ApproverID: p.UserID,
			Decision:   decision,
			Comment:    strings.TrimSpace(comment),
			CreatedAt:  now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return uuid.Nil, 0, err
		}
		req.Status = target
		req.Version++
		state := requestState(&req)
		state["decision"] = decision
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventApprovalRecorded,
			Actor:      &actor,
			EntityKind: models.KindRequest,
			EntityID:   req.ID,
			Prev:       prev,
			New:        state,
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return req.ID, 200, nil
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	// A rejection is terminal, so it can be the write that closes the batch.
	if !replayed && target == models.RequestRejected {
		if err := s.finalizeBatch(ctx, req.BatchID); err != nil {
			s.Log.ErrorContext(ctx, "batch finalization failed", "batch_id", req.BatchID, "err", err)
		}
	}
	return req, code, nil
}

// MarkPaid records that an APPROVED request was paid. Batch closure runs in a
// separate transaction after commit: completion is an idempotent function of
// the sibling statuses, so the two transactions never form a cycle.
func (s *Service) MarkPaid(ctx context.Context, p Principal, requestID uuid.UUID, key string) (*models.PaymentRequest, int, error) {
	if err := Authorize(p, CapMarkPaid, nil); err != nil {
		return nil, 0, err
	}

	payload := map[string]any{"request_id": requestID}
	id, code, replayed, err := s.mutate(ctx, key, OpMarkPaid, payload, sql.LevelRepeatableRead, func(tx *gorm.DB) (uuid.UUID, int, error) {
		var req models.PaymentRequest
		if err := s.lockForUpdate(tx).First(&req, "id = ?", requestID).Error; err != nil {
			return uuid.Nil, 0, storeErr(err, "request not found")
		}
		if err := ValidateRequestTransition(req.Status, models.RequestPaid); err != nil {
			return uuid.Nil, 0, err
		}
		now := s.Now().UTC()
		prev := requestState(&req)
		if err := updateRequestIfVersion(tx, req.ID, req.Version, map[string]any{
			"status": models.RequestPaid, "updated_by_id": p.UserID, "updated_at": now,
		}); err != nil {
			return uuid.Nil, 0, err
		}
		req.Status = models.RequestPaid
		req.Version++
		actor := p.UserID
		if err := audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventRequestPaid,
			Actor:      &actor,
			EntityKind: models.KindRequest,
			EntityID:   req.ID,
			Prev:       prev,
			New:        requestState(&req),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		return req.ID, 200, nil
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if !replayed {
		if err := s.finalizeBatch(ctx, req.BatchID); err != nil {
			s.Log.ErrorContext(ctx, "batch finalization failed", "batch_id", req.BatchID, "err", err)
		}
	}
	return req, code, nil
}

// finalizeBatch closes a PROCESSING batch once every request reached a
// terminal state, then triggers SOA generation. Safe to call repeatedly.
func (s *Service) finalizeBatch(ctx context.Context, batchID uuid.UUID) error {
	completed := false
	err := s.transaction(ctx, sql.LevelDefault, func(tx *gorm.DB) error {
		var batch models.PaymentBatch
		if err := s.lockForUpdate(tx).First(&batch, "id = ?", batchID).Error; err != nil {
			return err
		}
		if batch.Status != models.BatchProcessing {
			return nil
		}
		var open int64
		if err := tx.Model(&models.PaymentRequest{}).
			Where("batch_id = ? AND status NOT IN ?", batch.ID, []models.RequestStatus{models.RequestPaid, models.RequestRejected}).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		if err := ValidateBatchTransition(batch.Status, models.BatchCompleted); err != nil {
			return err
		}
		now := s.Now().UTC()
		prev := batchState(&batch)
		if err := tx.Model(&models.PaymentBatch{}).Where("id = ?", batch.ID).Updates(map[string]any{
			"status": models.BatchCompleted, "completed_at": now, "updated_at": now,
		}).Error; err != nil {
			return err
		}
		batch.Status = models.BatchCompleted
		batch.CompletedAt = &now
		completed = true
		return audit.Append(tx, now, audit.Entry{
			EventType:  audit.EventBatchCompleted,
			EntityKind: models.KindBatch,
			EntityID:   batch.ID,
			Prev:       prev,
			New:        batchState(&batch),
		})
	})
	if err != nil {
		return err
	}
	if completed {
		return s.GenerateSOAsForBatch(ctx, batchID)
	}
	return nil
}

// ListPendingApprovals returns all PENDING_APPROVAL requests for the approval
// queue.
func (s *Service) ListPendingApprovals(ctx context.Context, p Principal) ([]models.PaymentRequest, error) {
	if err := Authorize(p, CapApprove, nil); err != nil {
		return nil, err
	}
	var requests []models.PaymentRequest
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.RequestPendingApproval).
		Order("created_at").
		Find(&requests).Error
	if err != nil {
		return nil, Internal(err)
	}
	return requests, nil
}

// GetRequest returns one request with its approval and attachments.
func (s *Service) GetRequest(ctx context.Context, p Principal, requestID uuid.UUID) (*models.PaymentRequest, error) {
	if err := Authorize(p, CapRead, nil); err != nil {
		return nil, err
	}
	return s.loadRequest(ctx, requestID)
}

func (s *Service) loadRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	var req models.PaymentRequest
	err := s.DB.WithContext(ctx).Preload("Approval").Preload("SOAVersions").First(&req, "id = ?", id).Error
	if err != nil {
		return nil, storeErr(err, "request not found")
	}
	return &req, nil
}
