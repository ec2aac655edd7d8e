package asl

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event raised by ingestion or a consent
// transition.
type EventType string

const (
	EventContractIngested EventType = "ContractIngested"
	EventConsentRequested EventType = "ConsentRequested"
	EventConsentGranted   EventType = "ConsentGranted"
	EventConsentRevoked   EventType = "ConsentRevoked"
)

// Event is appended to the transactional outbox in the same transaction
// as the state change it describes.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	PatientID  int64           `json:"patient_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent builds an event with a marshalled payload
func NewEvent(eventType EventType, patientID int64, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		PatientID:  patientID,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}
