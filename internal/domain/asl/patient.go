// Package asl defines the domain entities for the Active Script List
// simulation: patients, prescribers, prescriptions and their status enums.
package asl

import "strings"

// Status represents a patient's ASL consent status
type Status string

const (
	StatusNoConsent Status = "NO_CONSENT"
	StatusPending   Status = "PENDING"
	StatusGranted   Status = "GRANTED"
	StatusRejected  Status = "REJECTED"
)

// DisplayName returns the human-readable form, e.g. "No Consent"
func (s Status) DisplayName() string {
	words := strings.Split(strings.ToLower(string(s)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Valid reports whether s is one of the four known consent states
func (s Status) Valid() bool {
	switch s {
	case StatusNoConsent, StatusPending, StatusGranted, StatusRejected:
		return true
	}
	return false
}

// ConsentStatus is the coarse legacy consent flag carried alongside the
// ASL status. It is derived, never authoritative: visibility gating uses
// Status exclusively.
type ConsentStatus string

const (
	ConsentGranted ConsentStatus = "GRANTED"
	ConsentRevoked ConsentStatus = "REVOKED"
)

// Coarse maps the ASL status onto the legacy two-state flag
func (s Status) Coarse() ConsentStatus {
	if s == StatusGranted {
		return ConsentGranted
	}
	return ConsentRevoked
}

// Patient is the aggregate root for a simulated pharmacy patient.
// Dates are kept as the DD/MM/YYYY strings they arrived in; the
// contract layer validates the format but never reformats.
type Patient struct {
	ID                 int64
	Medicare           int64
	EntitlementNumber  string
	SafetyNetCard      bool
	RPBSCard           bool
	Name               string
	DOB                string
	PreferredContact   int64
	Address1           string
	Address2           string
	ScriptDate         string
	PBS                string
	RPBS               string
	ASLStatus          Status
	IsRegistered       bool
	ConsentLastUpdated string
}

// CanViewASL reports whether the patient's prescriptions may be shown.
// Only a GRANTED consent status opens the list.
func (p *Patient) CanViewASL() bool {
	return p.ASLStatus == StatusGranted
}

// ConsentSnapshot is the consent view returned with every transition
// and read response.
type ConsentSnapshot struct {
	IsRegistered bool   `json:"is-registered"`
	Status       string `json:"status"`
	LastUpdated  string `json:"last-updated"`
}

// Snapshot builds the consent snapshot for the presentation layer
func (p *Patient) Snapshot() ConsentSnapshot {
	return ConsentSnapshot{
		IsRegistered: p.IsRegistered,
		Status:       p.ASLStatus.DisplayName(),
		LastUpdated:  p.ConsentLastUpdated,
	}
}
