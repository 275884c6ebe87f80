package models

import "fmt"

// RequestTransition is one legal edge of the NPD lifecycle.
type RequestTransition struct {
	From       RequestStatus
	Event      RequestEvent
	To         RequestStatus
	Capability Capability
	// CreatorAllowed lets the request's creator fire the event without the capability.
	CreatorAllowed bool
	RequiresReason bool
	// BudgetGuard re-checks every line amount against the account's current remaining.
	BudgetGuard     bool
	AttachmentGuard bool
}

// requestTransitions is the single source of truth for status changes.
var requestTransitions = []RequestTransition{
	{From: RequestStatusDraft, Event: RequestEventSubmit, To: RequestStatusSubmitted, Capability: CapabilityCreate, CreatorAllowed: true},
	{From: RequestStatusSubmitted, Event: RequestEventVerify, To: RequestStatusVerified, Capability: CapabilityVerify, BudgetGuard: true},
	{From: RequestStatusSubmitted, Event: RequestEventReject, To: RequestStatusRejected, Capability: CapabilityVerify, RequiresReason: true},
	{From: RequestStatusVerified, Event: RequestEventFinalize, To: RequestStatusFinal, Capability: CapabilityApprove, BudgetGuard: true, AttachmentGuard: true},
	{From: RequestStatusVerified, Event: RequestEventReject, To: RequestStatusRejected, Capability: CapabilityApprove, RequiresReason: true},
	{From: RequestStatusRejected, Event: RequestEventReopen, To: RequestStatusDraft, Capability: CapabilityCreate, CreatorAllowed: true},
}

// LookupTransition returns the edge for (from, event) or ErrInvalidTransition.
func LookupTransition(from RequestStatus, event RequestEvent) (RequestTransition, error) {
	for _, t := range requestTransitions {
		if t.From == from && t.Event == event {
			return t, nil
		}
	}
	return RequestTransition{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
}

// AvailableEvents lists the events that are legal from a status, in table order.
func AvailableEvents(from RequestStatus) []RequestEvent {
	var events []RequestEvent
	for _, t := range requestTransitions {
		if t.From == from {
			events = append(events, t.Event)
		}
	}
	return events
}

// IsEditable reports whether line items and attachments may still change.
func (s RequestStatus) IsEditable() bool {
	return s == RequestStatusDraft
}
