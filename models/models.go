package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Role enumerations for persistence.
const (
	RoleCreator  = "CREATOR"
	RoleApprover = "APPROVER"
	RoleViewer   = "VIEWER"
	RoleAdmin    = "ADMIN"
)

// BatchStatus represents a state in the payment batch workflow.
type BatchStatus string

// All batch workflow states.
const (
	BatchDraft      BatchStatus = "DRAFT"
	BatchSubmitted  BatchStatus = "SUBMITTED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// RequestStatus represents a state in the payment request workflow.
type RequestStatus string

// All request workflow states.
const (
	RequestDraft           RequestStatus = "DRAFT"
	RequestSubmitted       RequestStatus = "SUBMITTED"
	RequestPendingApproval RequestStatus = "PENDING_APPROVAL"
	RequestApproved        RequestStatus = "APPROVED"
	RequestRejected        RequestStatus = "REJECTED"
	RequestPaid            RequestStatus = "PAID"
)

// Counterparty entity types for ledger-driven requests.
const (
	EntityVendor        = "VENDOR"
	EntitySubcontractor = "SUBCONTRACTOR"
)

// SOA document sources.
const (
	SOASourceUpload    = "UPLOAD"
	SOASourceGenerated = "GENERATED"
)

// User stores authenticated personnel information. The role stored here is the
// only authoritative role; request payloads never carry one.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"uniqueIndex;size:64"`
	DisplayName  string    `gorm:"size:128"`
	Role         string    `gorm:"size:16;index;check:chk_user_role,role IN ('CREATOR','APPROVER','VIEWER','ADMIN')"`
	PasswordHash string    `gorm:"size:128" json:"-"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PaymentBatch groups payment requests submitted together for approval.
type PaymentBatch struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Title       string      `gorm:"size:255;check:chk_batch_title,title <> ''"`
	Status      BatchStatus `gorm:"size:16;index;check:chk_batch_status,status IN ('DRAFT','SUBMITTED','PROCESSING','COMPLETED','CANCELLED')"`
	CreatedByID uuid.UUID   `gorm:"type:uuid;index"`
	CreatedBy   *User       `gorm:"foreignKey:CreatedByID;constraint:OnDelete:RESTRICT"`
	SubmittedAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Requests    []PaymentRequest `gorm:"foreignKey:BatchID"`
}

// PaymentRequest is a single payment instruction inside a batch. Two mutually
// exclusive shapes coexist: the legacy free-text beneficiary shape and the
// ledger-driven shape referencing a vendor or subcontractor plus a site. The
// check constraints enforce shape exclusivity, amount positivity, and the
// total = base + extra identity at the store layer.
type PaymentRequest struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	BatchID     uuid.UUID     `gorm:"type:uuid;index;index:idx_request_batch_status"`
	Batch       *PaymentBatch `gorm:"foreignKey:BatchID;constraint:OnDelete:RESTRICT"`
	Status      RequestStatus `gorm:"size:24;index:idx_request_batch_status;check:chk_request_status,status IN ('DRAFT','SUBMITTED','PENDING_APPROVAL','APPROVED','REJECTED','PAID')"`
	Currency    string        `gorm:"size:3"`
	Version     int64         `gorm:"not null;default:1"`
	CreatedByID uuid.UUID     `gorm:"type:uuid;index"`
	UpdatedByID uuid.UUID     `gorm:"type:uuid"`

	// Legacy shape.
	Amount             *decimal.Decimal `gorm:"type:numeric(18,2);check:chk_request_amount,amount IS NULL OR amount > 0;check:chk_request_shape,(amount IS NOT NULL AND base_amount IS NULL) OR (amount IS NULL AND base_amount IS NOT NULL)"`
	BeneficiaryName    *string          `gorm:"size:255"`
	BeneficiaryAccount *string          `gorm:"size:64"`
	Purpose            *string          `gorm:"size:512"`

	// Ledger-driven shape.
	EntityType      *string          `gorm:"size:16;check:chk_request_entity_type,entity_type IS NULL OR entity_type IN ('VENDOR','SUBCONTRACTOR')"`
	VendorID        *uuid.UUID       `gorm:"type:uuid;index;check:chk_request_counterparty,NOT (vendor_id IS NOT NULL AND subcontractor_id IS NOT NULL)"`
	Vendor          *Vendor          `gorm:"foreignKey:VendorID;constraint:OnDelete:RESTRICT"`
	SubcontractorID *uuid.UUID       `gorm:"type:uuid;index"`
	Subcontractor   *Subcontractor   `gorm:"foreignKey:SubcontractorID;constraint:OnDelete:RESTRICT"`
	SiteID          *uuid.UUID       `gorm:"type:uuid;index"`
	Site            *Site            `gorm:"foreignKey:SiteID;constraint:OnDelete:RESTRICT"`
	BaseAmount      *decimal.Decimal `gorm:"type:numeric(18,2);check:chk_request_base,base_amount IS NULL OR base_amount > 0"`
	ExtraAmount     *decimal.Decimal `gorm:"type:numeric(18,2);check:chk_request_extra,extra_amount IS NULL OR extra_amount >= 0"`
	ExtraReason     *string          `gorm:"size:255"`
	TotalAmount     *decimal.Decimal `gorm:"type:numeric(18,2);check:chk_request_total,total_amount IS NULL OR total_amount = base_amount + extra_amount"`
	EntityNameSnap  *string          `gorm:"size:255"`
	SiteCodeSnap    *string          `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Approval    *ApprovalRecord `gorm:"foreignKey:RequestID"`
	SOAVersions []SOAVersion    `gorm:"foreignKey:RequestID"`
}

// Approval decision outcomes.
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// ApprovalRecord captures the single approval decision taken on a request.
// The unique index on RequestID enforces the one-to-one relationship; a
// concurrent second insert fails on the constraint and is treated as replay.
type ApprovalRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID  uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	ApproverID uuid.UUID `gorm:"type:uuid;index"`
	Decision   string    `gorm:"size:16;check:chk_approval_decision,decision IN ('APPROVED','REJECTED')"`
	Comment    string    `gorm:"size:512"`
	CreatedAt  time.Time
}

// SOAVersion is one versioned statement-of-account attachment on a request.
// Version numbers are computed under the request row lock and kept gap-free by
// the composite unique index.
type SOAVersion struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RequestID     uuid.UUID  `gorm:"type:uuid;index;uniqueIndex:uniq_soa_request_version"`
	VersionNumber int        `gorm:"uniqueIndex:uniq_soa_request_version;check:chk_soa_version,version_number > 0"`
	DocumentRef   string     `gorm:"size:512"`
	Source        string     `gorm:"size:16;check:chk_soa_source,source IN ('UPLOAD','GENERATED')"`
	UploadedByID  *uuid.UUID `gorm:"type:uuid"`
	UploadedAt    time.Time
}

// IdempotencyKey stores the recorded outcome of a mutation attempt. Rows are
// written inside the mutation's transaction and never updated afterwards.
type IdempotencyKey struct {
	Key         string    `gorm:"primaryKey;size:128"`
	Operation   string    `gorm:"primaryKey;size:64"`
	TargetID    uuid.UUID `gorm:"type:uuid"`
	StatusCode  int
	PayloadHash string `gorm:"size:64"`
	CreatedAt   time.Time
}

// Audited entity kinds.
const (
	KindBatch              = "PAYMENT_BATCH"
	KindRequest            = "PAYMENT_REQUEST"
	KindSOA                = "SOA_VERSION"
	KindUser               = "USER"
	KindClient             = "CLIENT"
	KindSite               = "SITE"
	KindVendorType         = "VENDOR_TYPE"
	KindVendor             = "VENDOR"
	KindSubcontractorScope = "SUBCONTRACTOR_SCOPE"
	KindSubcontractor      = "SUBCONTRACTOR"
)

// AuditLog is the append-only trail of every state change. ActorID is nil for
// system-initiated events such as SOA generation.
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EventType  string     `gorm:"size:48;index"`
	ActorID    *uuid.UUID `gorm:"type:uuid;index"`
	EntityKind string     `gorm:"size:32;index:idx_audit_entity"`
	EntityID   uuid.UUID  `gorm:"type:uuid;index:idx_audit_entity"`
	PrevState  *string    `gorm:"type:text"`
	NewState   string     `gorm:"type:text"`
	OccurredAt time.Time  `gorm:"index"`
}

// BeforeUpdate rejects any attempt to modify an audit entry.
func (AuditLog) BeforeUpdate(*gorm.DB) error {
	return gorm.ErrInvalidData
}

// BeforeDelete rejects any attempt to remove an audit entry.
func (AuditLog) BeforeDelete(*gorm.DB) error {
	return gorm.ErrInvalidData
}

// Client is the top-level ledger grouping for sites.
type Client struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:255"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Site belongs to a client and carries the unique code snapshotted into
// requests.
type Site struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClientID  uuid.UUID `gorm:"type:uuid;index"`
	Client    *Client   `gorm:"foreignKey:ClientID;constraint:OnDelete:RESTRICT"`
	Code      string    `gorm:"uniqueIndex;size:64"`
	Name      string    `gorm:"size:255"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VendorType categorises vendors; vendor names are unique within a type.
type VendorType struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Vendor is a ledger counterparty referenced by ledger-driven requests.
type Vendor struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	VendorTypeID uuid.UUID   `gorm:"type:uuid;index;uniqueIndex:uniq_vendor_type_name"`
	VendorType   *VendorType `gorm:"foreignKey:VendorTypeID;constraint:OnDelete:RESTRICT"`
	Name         string      `gorm:"size:255;uniqueIndex:uniq_vendor_type_name"`
	IsActive     bool        `gorm:"not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SubcontractorScope categorises subcontractors; names are unique within a
// scope.
type SubcontractorScope struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subcontractor is a ledger counterparty referenced by ledger-driven requests.
type Subcontractor struct {
	ID        uuid.UUID           `gorm:"type:uuid;primaryKey"`
	ScopeID   uuid.UUID           `gorm:"type:uuid;index;uniqueIndex:uniq_sub_scope_name"`
	Scope     *SubcontractorScope `gorm:"foreignKey:ScopeID;constraint:OnDelete:RESTRICT"`
	Name      string              `gorm:"size:255;uniqueIndex:uniq_sub_scope_name"`
	IsActive  bool                `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Client{},
		&Site{},
		&VendorType{},
		&Vendor{},
		&SubcontractorScope{},
		&Subcontractor{},
		&PaymentBatch{},
		&PaymentRequest{},
		&ApprovalRecord{},
		&SOAVersion{},
		&IdempotencyKey{},
		&AuditLog{},
	)
}
