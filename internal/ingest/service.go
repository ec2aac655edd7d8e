// Package ingest turns a validated pt_data contract into persisted
// patient, prescriber and prescription rows. Each call runs inside one
// transaction; nothing is kept from a call that fails.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/contract"
	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

// Store is the transaction-scoped persistence surface ingestion needs.
// Lookups return asl.ErrNotFound when no row matches.
type Store interface {
	PatientByMedicare(ctx context.Context, medicare int64) (*asl.Patient, error)
	InsertPatient(ctx context.Context, p *asl.Patient) error
	UpdatePatient(ctx context.Context, p *asl.Patient) error
	PrescriberByNaturalID(ctx context.Context, prescriberID int64) (*asl.Prescriber, error)
	InsertPrescriber(ctx context.Context, p *asl.Prescriber) error
	UpdatePrescriber(ctx context.Context, p *asl.Prescriber) error
	InsertPrescription(ctx context.Context, p *asl.Prescription) error
	AppendEvent(ctx context.Context, e *asl.Event) error
}

// TxRunner executes fn against a transaction-scoped store, committing
// when fn returns nil and rolling back otherwise.
type TxRunner func(ctx context.Context, fn func(Store) error) error

// Result summarizes what one ingestion call created or reused
type Result struct {
	Patient              *asl.Patient
	Prescribers          []*asl.Prescriber
	Prescriptions        []*asl.Prescription
	CreatedPrescribers   int
	CreatedPrescriptions int
	IsNewPatient         bool
}

// Service ingests pt_data contracts
type Service struct {
	inTx   TxRunner
	logger *zap.Logger
}

// NewService creates an ingestion service
func NewService(inTx TxRunner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{inTx: inTx, logger: logger}
}

// Ingest validates raw, then creates or reconciles rows inside a single
// transaction. With overwrite set, an existing patient's mutable fields
// are replaced by the contract's values; otherwise the existing row is
// reused untouched. Validation failures surface as *contract.ValidationError
// before any row is staged.
func (s *Service) Ingest(ctx context.Context, raw map[string]any, overwrite bool) (*Result, error) {
	doc, err := contract.Parse(raw)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.inTx(ctx, func(st Store) error {
		r, err := Apply(ctx, st, doc, overwrite)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("contract ingested",
		zap.Int64("medicare", res.Patient.Medicare),
		zap.Bool("new_patient", res.IsNewPatient),
		zap.Int("prescriptions", res.CreatedPrescriptions),
		zap.Int("new_prescribers", res.CreatedPrescribers),
	)
	return res, nil
}

// Apply stages a parsed document on an already-open transaction store.
// Callers composing ingestion into a larger transaction use this
// directly and decide themselves when to commit.
func Apply(ctx context.Context, st Store, doc *contract.Document, overwrite bool) (*Result, error) {
	patient, isNew, err := resolvePatient(ctx, st, &doc.Patient, overwrite)
	if err != nil {
		return nil, err
	}

	res := &Result{Patient: patient, IsNewPatient: isNew}

	// One prescriber row per natural identifier per call, however many
	// prescriptions reference it.
	seen := make(map[int64]*asl.Prescriber)

	stage := func(item *contract.Item) error {
		pr, err := resolvePrescriber(ctx, st, &item.Prescriber, seen, res)
		if err != nil {
			return err
		}

		rx := item.Prescription
		rx.PatientID = patient.ID
		rx.PrescriberID = pr.ID
		if err := st.InsertPrescription(ctx, &rx); err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		res.Prescriptions = append(res.Prescriptions, &rx)
		return nil
	}

	for i := range doc.ASLItems {
		if err := stage(&doc.ASLItems[i]); err != nil {
			return nil, err
		}
	}
	for i := range doc.ALRItems {
		if err := stage(&doc.ALRItems[i]); err != nil {
			return nil, err
		}
	}
	res.CreatedPrescriptions = len(res.Prescriptions)

	event, err := asl.NewEvent(asl.EventContractIngested, patient.ID, map[string]any{
		"medicare":      patient.Medicare,
		"new_patient":   isNew,
		"prescriptions": res.CreatedPrescriptions,
	})
	if err != nil {
		return nil, err
	}
	if err := st.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	return res, nil
}

func resolvePatient(ctx context.Context, st Store, incoming *asl.Patient, overwrite bool) (*asl.Patient, bool, error) {
	existing, err := st.PatientByMedicare(ctx, incoming.Medicare)
	if errors.Is(err, asl.ErrNotFound) {
		if err := st.InsertPatient(ctx, incoming); err != nil {
			return nil, false, fmt.Errorf("insert patient: %w", err)
		}
		return incoming, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup patient: %w", err)
	}

	if overwrite {
		copyMutablePatientFields(existing, incoming)
		if err := st.UpdatePatient(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("update patient: %w", err)
		}
	}
	return existing, false, nil
}

// copyMutablePatientFields replaces every mutable field on dst with the
// contract's values; ID and Medicare are the identity and never move.
func copyMutablePatientFields(dst, src *asl.Patient) {
	dst.EntitlementNumber = src.EntitlementNumber
	dst.SafetyNetCard = src.SafetyNetCard
	dst.RPBSCard = src.RPBSCard
	dst.Name = src.Name
	dst.DOB = src.DOB
	dst.PreferredContact = src.PreferredContact
	dst.Address1 = src.Address1
	dst.Address2 = src.Address2
	dst.ScriptDate = src.ScriptDate
	dst.PBS = src.PBS
	dst.RPBS = src.RPBS
	dst.ASLStatus = src.ASLStatus
	dst.IsRegistered = src.IsRegistered
	dst.ConsentLastUpdated = src.ConsentLastUpdated
}

func resolvePrescriber(ctx context.Context, st Store, incoming *asl.Prescriber, seen map[int64]*asl.Prescriber, res *Result) (*asl.Prescriber, error) {
	if pr, ok := seen[incoming.PrescriberID]; ok {
		return pr, nil
	}

	existing, err := st.PrescriberByNaturalID(ctx, incoming.PrescriberID)
	switch {
	case errors.Is(err, asl.ErrNotFound):
		if err := st.InsertPrescriber(ctx, incoming); err != nil {
			return nil, fmt.Errorf("insert prescriber: %w", err)
		}
		seen[incoming.PrescriberID] = incoming
		res.Prescribers = append(res.Prescribers, incoming)
		res.CreatedPrescribers++
		return incoming, nil
	case err != nil:
		return nil, fmt.Errorf("lookup prescriber: %w", err)
	}

	copyPrescriberFields(existing, incoming)
	if err := st.UpdatePrescriber(ctx, existing); err != nil {
		return nil, fmt.Errorf("update prescriber: %w", err)
	}
	seen[incoming.PrescriberID] = existing
	res.Prescribers = append(res.Prescribers, existing)
	return existing, nil
}

func copyPrescriberFields(dst, src *asl.Prescriber) {
	dst.GivenName = src.GivenName
	dst.FamilyName = src.FamilyName
	if src.Title != "" {
		dst.Title = src.Title
	}
	dst.Address1 = src.Address1
	dst.Address2 = src.Address2
	dst.HPII = src.HPII
	dst.HPIO = src.HPIO
	dst.Phone = src.Phone
	if src.Fax != "" {
		dst.Fax = src.Fax
	}
}
