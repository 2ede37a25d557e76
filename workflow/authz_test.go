package workflow

import (
	"testing"

	"github.com/google/uuid"

	"payflow/models"
)

func TestAuthorizeMatrix(t *testing.T) {
	cases := []struct {
		role string
		cap  Capability
		want bool
	}{
		{models.RoleViewer, CapRead, true},
		{models.RoleViewer, CapCreateBatch, false},
		{models.RoleViewer, CapApprove, false},
		{models.RoleCreator, CapCreateBatch, true},
		{models.RoleCreator, CapMutateBatch, true},
		{models.RoleCreator, CapUploadSOA, true},
		{models.RoleCreator, CapMarkPaid, true},
		{models.RoleCreator, CapApprove, false},
		{models.RoleCreator, CapAdmin, false},
		{models.RoleApprover, CapApprove, true},
		{models.RoleApprover, CapMarkPaid, true},
		{models.RoleApprover, CapCreateBatch, false},
		{models.RoleAdmin, CapAdmin, true},
		{models.RoleAdmin, CapApprove, true},
		{models.RoleAdmin, CapCreateBatch, true},
	}
	p := Principal{UserID: uuid.New()}
	for _, tc := range cases {
		p.Role = tc.role
		err := Authorize(p, tc.cap, nil)
		if tc.want && err != nil {
			t.Errorf("%s should hold %s: %v", tc.role, tc.cap, err)
		}
		if !tc.want {
			if err == nil {
				t.Errorf("%s should not hold %s", tc.role, tc.cap)
			} else if KindOf(err) != KindForbidden {
				t.Errorf("expected FORBIDDEN for %s/%s, got %s", tc.role, tc.cap, KindOf(err))
			}
		}
	}
}

func TestAuthorizeOwnership(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	p := Principal{UserID: owner, Role: models.RoleCreator}
	if err := Authorize(p, CapMutateBatch, &owner); err != nil {
		t.Fatalf("owner should pass: %v", err)
	}

	p.UserID = other
	if err := Authorize(p, CapMutateBatch, &owner); KindOf(err) != KindForbidden {
		t.Fatalf("non-owner should be forbidden, got %v", err)
	}

	// ADMIN bypasses ownership.
	p.Role = models.RoleAdmin
	if err := Authorize(p, CapMutateBatch, &owner); err != nil {
		t.Fatalf("admin should bypass ownership: %v", err)
	}
}

func TestAuthorizeUnknownRole(t *testing.T) {
	p := Principal{UserID: uuid.New(), Role: "INTERN"}
	if err := Authorize(p, CapRead, nil); KindOf(err) != KindForbidden {
		t.Fatalf("unknown role must be forbidden, got %v", err)
	}
}
