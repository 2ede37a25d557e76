// Package render produces statement-of-account documents. The PDF/Excel
// renderer is an external collaborator; TextRenderer is the built-in fallback
// used when none is configured, and in tests.
package render

import (
	"bytes"
	"context"
	"fmt"

	"payflow/models"
)

// TextRenderer emits a plain-text statement of account.
type TextRenderer struct{}

// RenderSOA renders the request's statement from its stored snapshot fields.
func (TextRenderer) RenderSOA(_ context.Context, req models.PaymentRequest) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "STATEMENT OF ACCOUNT\n")
	fmt.Fprintf(&buf, "Request: %s\n", req.ID)
	fmt.Fprintf(&buf, "Status: %s\n", req.Status)
	fmt.Fprintf(&buf, "Currency: %s\n", req.Currency)
	switch {
	case req.Amount != nil:
		fmt.Fprintf(&buf, "Amount: %s\n", req.Amount)
		if req.BeneficiaryName != nil {
			fmt.Fprintf(&buf, "Beneficiary: %s\n", *req.BeneficiaryName)
		}
	case req.TotalAmount != nil:
		if req.EntityNameSnap != nil {
			fmt.Fprintf(&buf, "Counterparty: %s\n", *req.EntityNameSnap)
		}
		if req.SiteCodeSnap != nil {
			fmt.Fprintf(&buf, "Site: %s\n", *req.SiteCodeSnap)
		}
		fmt.Fprintf(&buf, "Base: %s\n", req.BaseAmount)
		fmt.Fprintf(&buf, "Extra: %s\n", req.ExtraAmount)
		fmt.Fprintf(&buf, "Total: %s\n", req.TotalAmount)
	}
	return buf.Bytes(), nil
}
