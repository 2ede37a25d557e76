package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
	"payflow/workflow"
)

// Admin is the write-side collaborator over ledger reference data. Only ADMIN
// principals pass its gate; every change appends a LEDGER_* audit event.
type Admin struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewAdmin constructs the write-side ledger service.
func NewAdmin(db *gorm.DB) *Admin {
	return &Admin{DB: db, Now: time.Now}
}

func (a *Admin) gate(p workflow.Principal) error {
	return workflow.Authorize(p, workflow.CapAdmin, nil)
}

func (a *Admin) create(ctx context.Context, p workflow.Principal, kind string, id uuid.UUID, row any) error {
	if err := a.gate(p); err != nil {
		return err
	}
	actor := p.UserID
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return audit.Append(tx, a.Now().UTC(), audit.Entry{
			EventType:  audit.EventLedgerCreated,
			Actor:      &actor,
			EntityKind: kind,
			EntityID:   id,
			New:        row,
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return workflow.Conflictf("%s already exists", strings.ToLower(kind))
		}
		return workflow.AsError(err)
	}
	return nil
}

// CreateClient inserts a client.
func (a *Admin) CreateClient(ctx context.Context, p workflow.Principal, name string) (*models.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, workflow.Validationf("client name is required")
	}
	row := &models.Client{ID: uuid.New(), Name: name, IsActive: true}
	if err := a.create(ctx, p, models.KindClient, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateSite inserts a site under a client.
func (a *Admin) CreateSite(ctx context.Context, p workflow.Principal, clientID uuid.UUID, code, name string) (*models.Site, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, workflow.Validationf("site code is required")
	}
	var client models.Client
	if err := a.DB.WithContext(ctx).First(&client, "id = ?", clientID).Error; err != nil {
		return nil, workflow.NotFoundf("client not found")
	}
	row := &models.Site{ID: uuid.New(), ClientID: client.ID, Code: code, Name: strings.TrimSpace(name), IsActive: true}
	if err := a.create(ctx, p, models.KindSite, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateVendorType inserts a vendor type.
func (a *Admin) CreateVendorType(ctx context.Context, p workflow.Principal, name string) (*models.VendorType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, workflow.Validationf("vendor type name is required")
	}
	row := &models.VendorType{ID: uuid.New(), Name: name, IsActive: true}
	if err := a.create(ctx, p, models.KindVendorType, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateVendor inserts a vendor unique within its type.
func (a *Admin) CreateVendor(ctx context.Context, p workflow.Principal, typeID uuid.UUID, name string) (*models.Vendor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, workflow.Validationf("vendor name is required")
	}
	var vt models.VendorType
	if err := a.DB.WithContext(ctx).First(&vt, "id = ?", typeID).Error; err != nil {
		return nil, workflow.NotFoundf("vendor type not found")
	}
	row := &models.Vendor{ID: uuid.New(), VendorTypeID: vt.ID, Name: name, IsActive: true}
	if err := a.create(ctx, p, models.KindVendor, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateSubcontractorScope inserts a subcontractor scope.
func (a *Admin) CreateSubcontractorScope(ctx context.Context, p workflow.Principal, name string) (*models.SubcontractorScope, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, workflow.Validationf("scope name is required")
	}
	row := &models.SubcontractorScope{ID: uuid.New(), Name: name, IsActive: true}
	if err := a.create(ctx, p, models.KindSubcontractorScope, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateSubcontractor inserts a subcontractor unique within its scope.
func (a *Admin) CreateSubcontractor(ctx context.Context, p workflow.Principal, scopeID uuid.UUID, name string) (*models.Subcontractor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, workflow.Validationf("subcontractor name is required")
	}
	var scope models.SubcontractorScope
	if err := a.DB.WithContext(ctx).First(&scope, "id = ?", scopeID).Error; err != nil {
		return nil, workflow.NotFoundf("subcontractor scope not found")
	}
	row := &models.Subcontractor{ID: uuid.New(), ScopeID: scope.ID, Name: name, IsActive: true}
	if err := a.create(ctx, p, models.KindSubcontractor, row.ID, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Deactivate flips is_active off for the given entity. The row itself stays;
// live requests keep their snapshots and the RESTRICT foreign keys hold.
func (a *Admin) Deactivate(ctx context.Context, p workflow.Principal, kind string, id uuid.UUID) error {
	if err := a.gate(p); err != nil {
		return err
	}
	var model any
	switch kind {
	case models.KindClient:
		model = &models.Client{}
	case models.KindSite:
		model = &models.Site{}
	case models.KindVendorType:
		model = &models.VendorType{}
	case models.KindVendor:
		model = &models.Vendor{}
	case models.KindSubcontractorScope:
		model = &models.SubcontractorScope{}
	case models.KindSubcontractor:
		model = &models.Subcontractor{}
	default:
		return workflow.Validationf("unknown ledger kind %q", kind)
	}
	actor := p.UserID
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(model).Where("id = ?", id).Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return workflow.NotFoundf("ledger entity not found")
		}
		return audit.Append(tx, a.Now().UTC(), audit.Entry{
			EventType:  audit.EventLedgerDeactivated,
			Actor:      &actor,
			EntityKind: kind,
			EntityID:   id,
			New:        map[string]any{"is_active": false},
		})
	})
	if err != nil {
		return workflow.AsError(err)
	}
	return nil
}

// Vendors lists vendors, optionally only active ones.
func (a *Admin) Vendors(ctx context.Context, activeOnly bool) ([]models.Vendor, error) {
	q := a.DB.WithContext(ctx).Order("name")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []models.Vendor
	err := q.Find(&rows).Error
	return rows, err
}

// Subcontractors lists subcontractors, optionally only active ones.
func (a *Admin) Subcontractors(ctx context.Context, activeOnly bool) ([]models.Subcontractor, error) {
	q := a.DB.WithContext(ctx).Order("name")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []models.Subcontractor
	err := q.Find(&rows).Error
	return rows, err
}

// Sites lists sites, optionally only active ones.
func (a *Admin) Sites(ctx context.Context, activeOnly bool) ([]models.Site, error) {
	q := a.DB.WithContext(ctx).Order("code")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []models.Site
	err := q.Find(&rows).Error
	return rows, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
