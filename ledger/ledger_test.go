package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/models"
	"payflow/workflow"
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

func adminPrincipal() workflow.Principal {
	return workflow.Principal{UserID: uuid.New(), Role: models.RoleAdmin}
}

func TestAdminGate(t *testing.T) {
	db := openDB(t)
	a := NewAdmin(db)
	creator := workflow.Principal{UserID: uuid.New(), Role: models.RoleCreator}
	if _, err := a.CreateClient(context.Background(), creator, "Acme"); workflow.KindOf(err) != workflow.KindForbidden {
		t.Fatalf("non-admin must be forbidden, got %v", err)
	}
}

func TestCreateHierarchyAndResolve(t *testing.T) {
	db := openDB(t)
	a := NewAdmin(db)
	p := adminPrincipal()
	ctx := context.Background()

	client, err := a.CreateClient(ctx, p, "Acme")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	site, err := a.CreateSite(ctx, p, client.ID, "STE-9", "Depot")
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	vt, err := a.CreateVendorType(ctx, p, "Logistics")
	if err != nil {
		t.Fatalf("create vendor type: %v", err)
	}
	vendor, err := a.CreateVendor(ctx, p, vt.ID, "Haulage Ltd")
	if err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	scope, err := a.CreateSubcontractorScope(ctx, p, "Plumbing")
	if err != nil {
		t.Fatalf("create scope: %v", err)
	}
	sub, err := a.CreateSubcontractor(ctx, p, scope.ID, "Pipeworks")
	if err != nil {
		t.Fatalf("create subcontractor: %v", err)
	}

	store := NewStore()
	ref, err := store.Vendor(db, vendor.ID)
	if err != nil {
		t.Fatalf("resolve vendor: %v", err)
	}
	if ref.DisplayName != "Haulage Ltd" || !ref.Active {
		t.Fatalf("unexpected vendor ref: %+v", ref)
	}
	sref, err := store.Subcontractor(db, sub.ID)
	if err != nil {
		t.Fatalf("resolve subcontractor: %v", err)
	}
	if sref.DisplayName != "Pipeworks" {
		t.Fatalf("unexpected subcontractor ref: %+v", sref)
	}
	siteRef, err := store.Site(db, site.ID)
	if err != nil {
		t.Fatalf("resolve site: %v", err)
	}
	if siteRef.Code != "STE-9" {
		t.Fatalf("unexpected site ref: %+v", siteRef)
	}

	if _, err := store.Vendor(db, uuid.New()); workflow.KindOf(err) != workflow.KindNotFound {
		t.Fatalf("missing vendor must be NOT_FOUND, got %v", err)
	}
}

func TestDuplicateNamesConflict(t *testing.T) {
	db := openDB(t)
	a := NewAdmin(db)
	p := adminPrincipal()
	ctx := context.Background()

	vt, err := a.CreateVendorType(ctx, p, "Materials")
	if err != nil {
		t.Fatalf("create vendor type: %v", err)
	}
	if _, err := a.CreateVendor(ctx, p, vt.ID, "Steel Co"); err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	if _, err := a.CreateVendor(ctx, p, vt.ID, "Steel Co"); workflow.KindOf(err) != workflow.KindConflict {
		t.Fatalf("duplicate vendor within type must conflict, got %v", err)
	}

	// The same name under a different type is fine.
	other, err := a.CreateVendorType(ctx, p, "Services")
	if err != nil {
		t.Fatalf("create second type: %v", err)
	}
	if _, err := a.CreateVendor(ctx, p, other.ID, "Steel Co"); err != nil {
		t.Fatalf("same name under other type: %v", err)
	}
}

func TestDeactivateKeepsRow(t *testing.T) {
	db := openDB(t)
	a := NewAdmin(db)
	p := adminPrincipal()
	ctx := context.Background()

	vt, err := a.CreateVendorType(ctx, p, "Materials")
	if err != nil {
		t.Fatalf("create vendor type: %v", err)
	}
	vendor, err := a.CreateVendor(ctx, p, vt.ID, "Steel Co")
	if err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	if err := a.Deactivate(ctx, p, models.KindVendor, vendor.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	var row models.Vendor
	if err := db.First(&row, "id = ?", vendor.ID).Error; err != nil {
		t.Fatalf("row must survive deactivation: %v", err)
	}
	if row.IsActive {
		t.Fatal("expected is_active false")
	}

	active, err := a.Vendors(ctx, true)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active vendors, got %d", len(active))
	}
	all, err := a.Vendors(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one vendor, got %d", len(all))
	}

	if err := a.Deactivate(ctx, p, models.KindVendor, uuid.New()); workflow.KindOf(err) != workflow.KindNotFound {
		t.Fatalf("missing row must be NOT_FOUND, got %v", err)
	}
}

func TestLedgerWritesAreAudited(t *testing.T) {
	db := openDB(t)
	a := NewAdmin(db)
	p := adminPrincipal()
	ctx := context.Background()

	client, err := a.CreateClient(ctx, p, "Acme")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := a.Deactivate(ctx, p, models.KindClient, client.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	id := client.ID
	rows, err := audit.Query(db, audit.Filter{EntityKind: models.KindClient, EntityID: &id})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(rows))
	}
	if rows[0].EventType != audit.EventLedgerDeactivated || rows[1].EventType != audit.EventLedgerCreated {
		t.Fatalf("unexpected events: %s, %s", rows[0].EventType, rows[1].EventType)
	}
}
