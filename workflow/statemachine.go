package workflow

import (
	"payflow/models"
)

// The two lifecycle graphs are static and consulted immediately before every
// status write. DRAFT appears in its own successor set for requests because a
// re-edit keeps the status unchanged.
var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestDraft:           {models.RequestDraft, models.RequestSubmitted},
	models.RequestSubmitted:       {models.RequestPendingApproval},
	models.RequestPendingApproval: {models.RequestApproved, models.RequestRejected},
	models.RequestApproved:        {models.RequestPaid},
}

var batchTransitions = map[models.BatchStatus][]models.BatchStatus{
	models.BatchDraft:      {models.BatchSubmitted, models.BatchCancelled},
	models.BatchSubmitted:  {models.BatchProcessing},
	models.BatchProcessing: {models.BatchCompleted},
}

// ValidateRequestTransition ensures the request transition follows the defined
// state machine.
func ValidateRequestTransition(current, next models.RequestStatus) error {
	for _, state := range requestTransitions[current] {
		if state == next {
			return nil
		}
	}
	return InvalidStatef("request transition from %s to %s is not permitted", current, next)
}

// ValidateBatchTransition ensures the batch transition follows the defined
// state machine.
func ValidateBatchTransition(current, next models.BatchStatus) error {
	for _, state := range batchTransitions[current] {
		if state == next {
			return nil
		}
	}
	return InvalidStatef("batch transition from %s to %s is not permitted", current, next)
}

// RequestTerminal reports whether a request status has no outgoing edges.
func RequestTerminal(status models.RequestStatus) bool {
	return len(requestTransitions[status]) == 0
}

// BatchTerminal reports whether a batch status has no outgoing edges.
func BatchTerminal(status models.BatchStatus) bool {
	return len(batchTransitions[status]) == 0
}
