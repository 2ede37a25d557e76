package workflow

import (
	"github.com/google/uuid"
)

// Principal is the authenticated identity passed into every operation. The
// role always comes from the server's own user record, never from a payload.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

// Capability names one cell group of the authorization matrix.
type Capability string

// Capabilities consulted at the top of each workflow operation.
const (
	CapRead        Capability = "READ"
	CapCreateBatch Capability = "CREATE_BATCH"
	CapMutateBatch Capability = "MUTATE_BATCH"
	CapUploadSOA   Capability = "UPLOAD_SOA"
	CapApprove     Capability = "APPROVE"
	CapMarkPaid    Capability = "MARK_PAID"
	CapAdmin       Capability = "ADMIN"
)

// The policy table is hardcoded, not data-driven. ADMIN bypasses ownership but
// never the state machine.
var roleCapabilities = map[string]map[Capability]bool{
	"VIEWER": {
		CapRead: true,
	},
	"CREATOR": {
		CapRead:        true,
		CapCreateBatch: true,
		CapMutateBatch: true,
		CapUploadSOA:   true,
		CapMarkPaid:    true,
	},
	"APPROVER": {
		CapRead:     true,
		CapApprove:  true,
		CapMarkPaid: true,
	},
	"ADMIN": {
		CapRead:        true,
		CapCreateBatch: true,
		CapMutateBatch: true,
		CapUploadSOA:   true,
		CapApprove:     true,
		CapMarkPaid:    true,
		CapAdmin:       true,
	},
}

// Authorize checks the role capability and, when owner is non-nil, that the
// principal owns the target. The check runs before any store write.
func Authorize(p Principal, cap Capability, owner *uuid.UUID) error {
	caps, ok := roleCapabilities[p.Role]
	if !ok || !caps[cap] {
		return Forbiddenf("role %s may not %s", p.Role, cap)
	}
	if owner != nil && p.Role != "ADMIN" && *owner != p.UserID {
		return Forbiddenf("principal does not own this batch")
	}
	return nil
}
