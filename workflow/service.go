// Package workflow is the transactional kernel coordinating payment batches
// and requests. Every mutation runs the same pipeline: authorize, consult the
// idempotency registry, open a transaction, take row locks in canonical order
// (batch first, then requests ascending by id), validate transitions against
// the state machine, write through the version gate where a version field
// exists, append the audit entry, record the idempotency outcome, commit.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payflow/models"
	"payflow/observability/metrics"
)

// CounterpartyRef carries the display fields of a vendor or subcontractor
// snapshotted into a request at creation.
type CounterpartyRef struct {
	ID          uuid.UUID
	DisplayName string
	Active      bool
}

// SiteRef resolves a site with the code snapshotted into requests.
type SiteRef struct {
	ID     uuid.UUID
	Code   string
	Name   string
	Active bool
}

// ReferenceData is the read-only ledger contract the core depends on. Lookups
// run against the caller's transaction so validation sees rows consistent with
// the locks already held. Implementations return tagged workflow errors for
// missing rows.
type ReferenceData interface {
	Vendor(tx *gorm.DB, id uuid.UUID) (*CounterpartyRef, error)
	Subcontractor(tx *gorm.DB, id uuid.UUID) (*CounterpartyRef, error)
	Site(tx *gorm.DB, id uuid.UUID) (*SiteRef, error)
}

// BlobStore persists SOA documents outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Renderer produces the generated statement-of-account document for a request.
// Rendering happens outside any held transaction.
type Renderer interface {
	RenderSOA(ctx context.Context, req models.PaymentRequest) ([]byte, error)
}

// Service orchestrates all mutations over the payment workflow.
type Service struct {
	DB     *gorm.DB
	Refs   ReferenceData
	Blobs  BlobStore
	Render Renderer
	Log    *slog.Logger
	Now    func() time.Time
}

// NewService wires the workflow service with its collaborators.
func NewService(db *gorm.DB, refs ReferenceData, blobs BlobStore, render Renderer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{DB: db, Refs: refs, Blobs: blobs, Render: render, Log: log, Now: time.Now}
}

// lockForUpdate adds a row-lock clause on dialects that support it. SQLite
// serializes writers on its own and rejects the FOR UPDATE syntax.
func (s *Service) lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// txOptions maps the requested isolation to driver options. SQLite runs every
// transaction serializable already, which is stronger than anything requested.
func (s *Service) txOptions(iso sql.IsolationLevel) *sql.TxOptions {
	if iso == sql.LevelDefault || s.DB.Dialector.Name() == "sqlite" {
		return nil
	}
	return &sql.TxOptions{Isolation: iso}
}

func (s *Service) transaction(ctx context.Context, iso sql.IsolationLevel, fn func(tx *gorm.DB) error) error {
	db := s.DB.WithContext(ctx)
	if opts := s.txOptions(iso); opts != nil {
		return db.Transaction(fn, opts)
	}
	return db.Transaction(fn)
}

// errStateIdempotent signals a mutation that observed an already-transitioned
// row and must return the current state without writing anything.
var errStateIdempotent = errors.New("state already reached")

// mutate runs the idempotency-guarded pipeline shared by every keyed mutation.
// fn performs the business writes and returns the target object id plus the
// response code to record. The bool result reports a replay.
func (s *Service) mutate(ctx context.Context, key, op string, payload any, iso sql.IsolationLevel, fn func(tx *gorm.DB) (uuid.UUID, int, error)) (uuid.UUID, int, bool, error) {
	started := time.Now()
	id, code, replayed, err := s.mutateInner(ctx, key, op, payload, iso, fn)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	} else if replayed {
		outcome = "replay"
	}
	metrics.ObserveMutation(op, outcome, time.Since(started))
	return id, code, replayed, err
}

func (s *Service) mutateInner(ctx context.Context, key, op string, payload any, iso sql.IsolationLevel, fn func(tx *gorm.DB) (uuid.UUID, int, error)) (uuid.UUID, int, bool, error) {
	if err := requireKey(key); err != nil {
		return uuid.Nil, 0, false, err
	}
	key = strings.TrimSpace(key)
	hash := PayloadHash(payload)

	rec, err := s.lookupIdempotency(ctx, key, op, hash)
	if err != nil {
		return uuid.Nil, 0, false, err
	}
	if rec != nil {
		return rec.TargetID, rec.StatusCode, true, nil
	}

	var target uuid.UUID
	var code int
	run := func() error {
		return s.transaction(ctx, iso, func(tx *gorm.DB) error {
			id, c, err := fn(tx)
			if err != nil {
				if errors.Is(err, errStateIdempotent) {
					target, code = id, c
				}
				return err
			}
			target, code = id, c
			// Audit rows are written by fn before this point, so a commit
			// guarantees the audit entry and the idempotency record together.
			return s.recordIdempotency(tx, key, op, id, c, hash)
		})
	}
	err = run()
	if err != nil && isDeadlock(err) {
		s.Log.WarnContext(ctx, "retrying after deadlock", "operation", op)
		err = run()
	}
	if err != nil {
		if errors.Is(err, errStateIdempotent) {
			return target, code, true, nil
		}
		if isUniqueViolation(err) {
			// Two workers raced the same key to the registry; the winner's
			// outcome answers both.
			if rec, lerr := s.lookupIdempotency(ctx, key, op, hash); lerr != nil {
				return uuid.Nil, 0, false, lerr
			} else if rec != nil {
				return rec.TargetID, rec.StatusCode, true, nil
			}
			return uuid.Nil, 0, false, Conflictf("constraint violation")
		}
		return uuid.Nil, 0, false, AsError(err)
	}
	return target, code, false, nil
}

func isDeadlock(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize access")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// batchState is the audit snapshot of a batch.
func batchState(b *models.PaymentBatch) map[string]any {
	return map[string]any{
		"status":       b.Status,
		"title":        b.Title,
		"submitted_at": b.SubmittedAt,
		"completed_at": b.CompletedAt,
	}
}

// requestState is the audit snapshot of a request.
func requestState(r *models.PaymentRequest) map[string]any {
	state := map[string]any{
		"status":   r.Status,
		"version":  r.Version,
		"currency": r.Currency,
	}
	if r.Amount != nil {
		state["amount"] = r.Amount
	}
	if r.TotalAmount != nil {
		state["base_amount"] = r.BaseAmount
		state["extra_amount"] = r.ExtraAmount
		state["total_amount"] = r.TotalAmount
	}
	return state
}
