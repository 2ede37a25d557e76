// Package ledger implements the reference-data contract the workflow core
// consumes: resolve a vendor, subcontractor, or site and report its display
// fields and active flag. Foreign keys from payment requests into these tables
// are RESTRICT so a referenced row can never be removed under a live request.
package ledger

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/models"
	"payflow/workflow"
)

// Store is the gorm-backed workflow.ReferenceData implementation.
type Store struct{}

// NewStore returns a reference-data reader over the shared relational store.
func NewStore() *Store { return &Store{} }

// Vendor resolves a vendor by id.
func (s *Store) Vendor(tx *gorm.DB, id uuid.UUID) (*workflow.CounterpartyRef, error) {
	var v models.Vendor
	if err := tx.First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.NotFoundf("vendor not found")
		}
		return nil, err
	}
	return &workflow.CounterpartyRef{ID: v.ID, DisplayName: v.Name, Active: v.IsActive}, nil
}

// Subcontractor resolves a subcontractor by id.
func (s *Store) Subcontractor(tx *gorm.DB, id uuid.UUID) (*workflow.CounterpartyRef, error) {
	var sub models.Subcontractor
	if err := tx.First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.NotFoundf("subcontractor not found")
		}
		return nil, err
	}
	return &workflow.CounterpartyRef{ID: sub.ID, DisplayName: sub.Name, Active: sub.IsActive}, nil
}

// Site resolves a site by id.
func (s *Store) Site(tx *gorm.DB, id uuid.UUID) (*workflow.SiteRef, error) {
	var site models.Site
	if err := tx.First(&site, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, workflow.NotFoundf("site not found")
		}
		return nil, err
	}
	return &workflow.SiteRef{ID: site.ID, Code: site.Code, Name: site.Name, Active: site.IsActive}, nil
}
