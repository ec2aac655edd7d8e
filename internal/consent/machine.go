// Package consent implements the ASL consent state machine. A patient's
// consent status moves NO_CONSENT -> PENDING -> GRANTED and back to
// NO_CONSENT on revoke; transitions run as one read-modify-write inside
// one transaction and are rejected, not crashed, from an illegal source
// state.
package consent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

// TimestampFormat is the consent last-updated stamp layout
const TimestampFormat = "02/01/2006 15:04"

// Store is the transaction-scoped persistence surface transitions need.
// PatientForUpdate must take a row lock so concurrent transitions on the
// same patient serialize instead of double-applying the bulk flip.
type Store interface {
	PatientForUpdate(ctx context.Context, patientID int64) (*asl.Patient, error)
	UpdatePatientConsent(ctx context.Context, p *asl.Patient) error
	MarkPendingPrescriptionsAvailable(ctx context.Context, patientID int64) (int64, error)
	AppendEvent(ctx context.Context, e *asl.Event) error
}

// TxRunner executes fn against a transaction-scoped store
type TxRunner func(ctx context.Context, fn func(Store) error) error

// TransitionResult is the outcome handed to the presentation layer
type TransitionResult struct {
	Message              string
	Consent              asl.ConsentSnapshot
	UpdatedPrescriptions int64
	ShouldReload         bool
}

// Machine drives consent transitions
type Machine struct {
	inTx   TxRunner
	logger *zap.Logger
	now    func() time.Time
}

// NewMachine creates a consent state machine
func NewMachine(inTx TxRunner, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{inTx: inTx, logger: logger, now: time.Now}
}

// RequestAccess moves a patient from NO_CONSENT to PENDING. Any other
// source state fails with a StateConflictError naming the current state.
func (m *Machine) RequestAccess(ctx context.Context, patientID int64) (*TransitionResult, error) {
	var res *TransitionResult
	err := m.inTx(ctx, func(st Store) error {
		p, err := st.PatientForUpdate(ctx, patientID)
		if err != nil {
			return err
		}

		if p.ASLStatus != asl.StatusNoConsent {
			return &asl.StateConflictError{Op: "request access", Current: p.ASLStatus}
		}

		p.ASLStatus = asl.StatusPending
		p.ConsentLastUpdated = m.now().Format(TimestampFormat)
		if err := st.UpdatePatientConsent(ctx, p); err != nil {
			return err
		}

		if err := m.appendEvent(ctx, st, asl.EventConsentRequested, p); err != nil {
			return err
		}

		res = &TransitionResult{
			Message: fmt.Sprintf("Access request sent to %s. Patient will receive SMS/email to approve.", p.Name),
			Consent: p.Snapshot(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("access requested", zap.Int64("patient_id", patientID))
	return res, nil
}

// Refresh polls for the simulated patient reply. From PENDING it grants
// access and releases the patient's PENDING prescriptions; from GRANTED
// it only releases stragglers, which makes repeated refreshes idempotent.
func (m *Machine) Refresh(ctx context.Context, patientID int64) (*TransitionResult, error) {
	var res *TransitionResult
	err := m.inTx(ctx, func(st Store) error {
		p, err := st.PatientForUpdate(ctx, patientID)
		if err != nil {
			return err
		}

		switch p.ASLStatus {
		case asl.StatusPending:
			p.ASLStatus = asl.StatusGranted
			p.ConsentLastUpdated = m.now().Format(TimestampFormat)
			if err := st.UpdatePatientConsent(ctx, p); err != nil {
				return err
			}

			flipped, err := st.MarkPendingPrescriptionsAvailable(ctx, patientID)
			if err != nil {
				return err
			}

			if err := m.appendEvent(ctx, st, asl.EventConsentGranted, p); err != nil {
				return err
			}

			res = &TransitionResult{
				Message:              fmt.Sprintf("Patient %s replied and granted access! %d prescriptions now available.", p.Name, flipped),
				Consent:              p.Snapshot(),
				UpdatedPrescriptions: flipped,
				ShouldReload:         true,
			}
			return nil

		case asl.StatusGranted:
			flipped, err := st.MarkPendingPrescriptionsAvailable(ctx, patientID)
			if err != nil {
				return err
			}

			res = &TransitionResult{
				Message:              fmt.Sprintf("ASL refreshed for patient %s. %d new prescriptions found.", p.Name, flipped),
				Consent:              p.Snapshot(),
				UpdatedPrescriptions: flipped,
				ShouldReload:         flipped > 0,
			}
			return nil

		default:
			return &asl.StateConflictError{Op: "refresh ASL", Current: p.ASLStatus}
		}
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("asl refreshed",
		zap.Int64("patient_id", patientID),
		zap.Int64("updated_prescriptions", res.UpdatedPrescriptions),
	)
	return res, nil
}

// DeleteConsent resets the patient to NO_CONSENT from any state so a new
// request-access cycle can begin. Prescription rows are left untouched.
func (m *Machine) DeleteConsent(ctx context.Context, patientID int64) (*TransitionResult, error) {
	var res *TransitionResult
	err := m.inTx(ctx, func(st Store) error {
		p, err := st.PatientForUpdate(ctx, patientID)
		if err != nil {
			return err
		}

		p.ASLStatus = asl.StatusNoConsent
		p.ConsentLastUpdated = m.now().Format(TimestampFormat)
		if err := st.UpdatePatientConsent(ctx, p); err != nil {
			return err
		}

		if err := m.appendEvent(ctx, st, asl.EventConsentRevoked, p); err != nil {
			return err
		}

		res = &TransitionResult{
			Message:      fmt.Sprintf("Consent record deleted for %s. Can now request access again.", p.Name),
			Consent:      p.Snapshot(),
			ShouldReload: true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("consent deleted", zap.Int64("patient_id", patientID))
	return res, nil
}

func (m *Machine) appendEvent(ctx context.Context, st Store, eventType asl.EventType, p *asl.Patient) error {
	event, err := asl.NewEvent(eventType, p.ID, map[string]any{
		"patient_name": p.Name,
		"status":       string(p.ASLStatus),
		"last_updated": p.ConsentLastUpdated,
	})
	if err != nil {
		return err
	}
	return st.AppendEvent(ctx, event)
}
