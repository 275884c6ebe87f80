package models

import (
	"fmt"
	"strings"
)

type RequestStatus string

const (
	RequestStatusDraft     RequestStatus = "draft"
	RequestStatusSubmitted RequestStatus = "submitted"
	RequestStatusVerified  RequestStatus = "verified"
	RequestStatusFinal     RequestStatus = "final"
	RequestStatusRejected  RequestStatus = "rejected"
)

func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusDraft, RequestStatusSubmitted, RequestStatusVerified, RequestStatusFinal, RequestStatusRejected:
		return true
	}
	return false
}

// RequestKind is the disbursement type of an NPD.
type RequestKind string

const (
	RequestKindUP RequestKind = "UP" // Uang Persediaan
	RequestKindGU RequestKind = "GU" // Ganti Uang
	RequestKindTU RequestKind = "TU" // Tambahan Uang
	RequestKindLS RequestKind = "LS" // Langsung
)

func ParseRequestKind(s string) (RequestKind, error) {
	switch k := RequestKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case RequestKindUP, RequestKindGU, RequestKindTU, RequestKindLS:
		return k, nil
	}
	return "", fmt.Errorf("%w: request kind %q", ErrInvalidInput, s)
}

type RequestEvent string

const (
	RequestEventSubmit   RequestEvent = "submit"
	RequestEventVerify   RequestEvent = "verify"
	RequestEventFinalize RequestEvent = "finalize"
	RequestEventReject   RequestEvent = "reject"
	RequestEventReopen   RequestEvent = "reopen"
)

func ParseRequestEvent(s string) (RequestEvent, error) {
	switch e := RequestEvent(strings.ToLower(strings.TrimSpace(s))); e {
	case RequestEventSubmit, RequestEventVerify, RequestEventFinalize, RequestEventReject, RequestEventReopen:
		return e, nil
	}
	return "", fmt.Errorf("%w: request event %q", ErrInvalidInput, s)
}

type DistributionPolicy string

const (
	DistributionPolicyProportional DistributionPolicy = "proportional"
	DistributionPolicyEqual        DistributionPolicy = "equal"
	DistributionPolicyManual       DistributionPolicy = "manual"
)

func ParseDistributionPolicy(s string) (DistributionPolicy, error) {
	switch p := DistributionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DistributionPolicyProportional, DistributionPolicyEqual, DistributionPolicyManual:
		return p, nil
	}
	return "", fmt.Errorf("%w: distribution policy %q", ErrInvalidInput, s)
}

// Capability is an action a role may be granted.
type Capability string

const (
	CapabilityCreate   Capability = "create"
	CapabilityVerify   Capability = "verify"
	CapabilityApprove  Capability = "approve"
	CapabilityDisburse Capability = "disburse"
	CapabilityManage   Capability = "manage"
)

func (c Capability) IsValid() bool {
	switch c {
	case CapabilityCreate, CapabilityVerify, CapabilityApprove, CapabilityDisburse, CapabilityManage:
		return true
	}
	return false
}

// ParseCapabilities splits "create;verify" style strings, ignoring unknown entries.
func ParseCapabilities(s string) []Capability {
	var out []Capability
	for _, part := range strings.Split(strings.ToLower(s), ";") {
		if c := Capability(strings.TrimSpace(part)); c.IsValid() {
			out = append(out, c)
		}
	}
	return out
}
