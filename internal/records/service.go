// Package records serves the read side of the ASL: the gated patient
// view in the contract's wire shape, prescription search, the dispensing
// operation and the consent census.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

// ErrConsentNotGranted gates search and other prescription-level reads
// when the patient has not granted ASL access.
var ErrConsentNotGranted = errors.New("no access to patient ASL")

// Entry is a prescription joined with its prescriber
type Entry struct {
	Prescription asl.Prescription
	Prescriber   asl.Prescriber
}

// Store is the persistence surface for the read path and dispensing
type Store interface {
	PatientByID(ctx context.Context, id int64) (*asl.Patient, error)
	EntriesForPatient(ctx context.Context, patientID int64) ([]Entry, error)
	SearchEntries(ctx context.Context, patientID int64, query string) ([]Entry, error)
	PrescriptionsByIDs(ctx context.Context, patientID int64, ids []int64) ([]*asl.Prescription, error)
	UpdatePrescription(ctx context.Context, p *asl.Prescription) error
	ConsentCensus(ctx context.Context) (*Census, error)
}

// TxRunner executes fn against a transaction-scoped store
type TxRunner func(ctx context.Context, fn func(Store) error) error

// Service assembles gated views and records dispensing
type Service struct {
	inTx   TxRunner
	logger *zap.Logger
}

// NewService creates a records service
func NewService(inTx TxRunner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{inTx: inTx, logger: logger}
}

// PrescriberView mirrors the contract's prescriber sub-object
type PrescriberView struct {
	GivenName  string `json:"fname"`
	FamilyName string `json:"lname"`
	Title      string `json:"title,omitempty"`
	Address1   string `json:"address-1"`
	Address2   string `json:"address-2"`
	ID         int64  `json:"id"`
	HPII       int64  `json:"hpii"`
	HPIO       int64  `json:"hpio"`
	Phone      string `json:"phone"`
	Fax        string `json:"fax,omitempty"`
}

// PrescriptionView mirrors one asl-data / alr-data item on the way out
type PrescriptionView struct {
	PrescriptionID   int64          `json:"prescription_id"`
	DSPID            string         `json:"DSPID,omitempty"`
	Status           string         `json:"status"`
	DrugName         string         `json:"drug-name"`
	DrugCode         string         `json:"drug-code"`
	DoseInstructions string         `json:"dose-instr"`
	DoseQty          int            `json:"dose-qty"`
	DoseRepeats      int            `json:"dose-rpt"`
	PrescribedDate   string         `json:"prescribed-date"`
	DispensedDate    string         `json:"dispensed-date,omitempty"`
	Paperless        bool           `json:"paperless"`
	BrandSubNotPrmt  bool           `json:"brand-sub-not-prmt"`
	RemainingRepeats int            `json:"remaining-repeats,omitempty"`
	Prescriber       PrescriberView `json:"prescriber"`
}

// View is the patient's ASL page payload, shaped like the inbound
// contract so the presentation layer round-trips one format.
type View struct {
	Medicare          int64               `json:"medicare"`
	EntitlementNumber string              `json:"pharmaceut-ben-entitlement-no"`
	SafetyNetCard     bool                `json:"sfty-net-entitlement-cardholder"`
	RPBSCard          bool                `json:"rpbs-ben-entitlement-cardholder"`
	Name              string              `json:"name"`
	DOB               string              `json:"dob"`
	PreferredContact  int64               `json:"preferred-contact"`
	Address1          string              `json:"address-1"`
	Address2          string              `json:"address-2"`
	ScriptDate        string              `json:"script-date"`
	PBS               string              `json:"pbs,omitempty"`
	RPBS              string              `json:"rpbs,omitempty"`
	Consent           asl.ConsentSnapshot `json:"consent-status"`
	ASLData           []PrescriptionView  `json:"asl-data"`
	ALRData           []PrescriptionView  `json:"alr-data"`
	CanViewASL        bool                `json:"can_view_asl"`
}

// PatientView builds the gated view. Demographics are always returned;
// the active list is emptied unless consent is GRANTED. History entries
// pass their own three-part gate independently of the consent status.
func (s *Service) PatientView(ctx context.Context, patientID int64) (*View, error) {
	var view *View
	err := s.inTx(ctx, func(st Store) error {
		p, err := st.PatientByID(ctx, patientID)
		if err != nil {
			return err
		}

		view = &View{
			Medicare:          p.Medicare,
			EntitlementNumber: p.EntitlementNumber,
			SafetyNetCard:     p.SafetyNetCard,
			RPBSCard:          p.RPBSCard,
			Name:              p.Name,
			DOB:               p.DOB,
			PreferredContact:  p.PreferredContact,
			Address1:          p.Address1,
			Address2:          p.Address2,
			ScriptDate:        p.ScriptDate,
			PBS:               p.PBS,
			RPBS:              p.RPBS,
			Consent:           p.Snapshot(),
			ASLData:           []PrescriptionView{},
			ALRData:           []PrescriptionView{},
			CanViewASL:        p.CanViewASL(),
		}

		entries, err := st.EntriesForPatient(ctx, patientID)
		if err != nil {
			return err
		}

		for _, e := range entries {
			pv := toPrescriptionView(e)
			if e.Prescription.InDispenseHistory() {
				view.ALRData = append(view.ALRData, pv)
				continue
			}
			if view.CanViewASL {
				view.ASLData = append(view.ASLData, pv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// SearchResult is one search hit
type SearchResult struct {
	PrescriptionID int64  `json:"prescription_id"`
	DrugName       string `json:"drug_name"`
	DrugCode       string `json:"drug_code"`
	PrescriberName string `json:"prescriber_name"`
	Status         string `json:"status"`
	PrescribedDate string `json:"prescribed_date"`
}

// Search matches drug name, drug code and prescriber names by
// case-insensitive substring. Requires GRANTED consent.
func (s *Service) Search(ctx context.Context, patientID int64, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query required")
	}

	var results []SearchResult
	err := s.inTx(ctx, func(st Store) error {
		p, err := st.PatientByID(ctx, patientID)
		if err != nil {
			return err
		}
		if !p.CanViewASL() {
			return ErrConsentNotGranted
		}

		entries, err := st.SearchEntries(ctx, patientID, query)
		if err != nil {
			return err
		}

		results = make([]SearchResult, 0, len(entries))
		for _, e := range entries {
			results = append(results, SearchResult{
				PrescriptionID: e.Prescription.ID,
				DrugName:       e.Prescription.DrugName,
				DrugCode:       e.Prescription.DrugCode,
				PrescriberName: e.Prescriber.FamilyName + ", " + e.Prescriber.GivenName,
				Status:         e.Prescription.Status.DisplayName(),
				PrescribedDate: e.Prescription.PrescribedDate,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DispenseRequest selects prescriptions to dispense
type DispenseRequest struct {
	PrescriptionIDs []int64
	DispensedBy     string
	DispensedDate   string
	Notes           string
}

// Dispense flips the selected AVAILABLE prescriptions to DISPENSED,
// stamps the dispensed date and marks them dispensed at this pharmacy.
// Rows already DISPENSED are skipped. Repeat counts are initialized from
// the prescription's repeat total the first time it is dispensed.
func (s *Service) Dispense(ctx context.Context, patientID int64, req DispenseRequest) (int, error) {
	if len(req.PrescriptionIDs) == 0 {
		return 0, fmt.Errorf("no prescriptions selected")
	}
	if req.DispensedBy == "" {
		return 0, fmt.Errorf("dispensed-by is required")
	}
	if req.DispensedDate == "" {
		req.DispensedDate = time.Now().Format("02/01/2006")
	} else if _, err := time.Parse("02/01/2006", req.DispensedDate); err != nil {
		return 0, fmt.Errorf("dispensed date must be DD/MM/YYYY")
	}

	dispensed := 0
	err := s.inTx(ctx, func(st Store) error {
		prescriptions, err := st.PrescriptionsByIDs(ctx, patientID, req.PrescriptionIDs)
		if err != nil {
			return err
		}
		if len(prescriptions) != len(req.PrescriptionIDs) {
			return fmt.Errorf("some prescriptions not found: %w", asl.ErrNotFound)
		}

		for _, rx := range prescriptions {
			if rx.Status == asl.RxDispensed {
				continue
			}

			rx.Status = asl.RxDispensed
			rx.DispensedDate = req.DispensedDate
			rx.DispensedHere = true
			if rx.DoseRepeats > 0 && rx.RemainingRepeats == 0 {
				rx.RemainingRepeats = rx.DoseRepeats
			}
			if err := st.UpdatePrescription(ctx, rx); err != nil {
				return err
			}
			dispensed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("prescriptions dispensed",
		zap.Int64("patient_id", patientID),
		zap.Int("count", dispensed),
		zap.String("dispensed_by", req.DispensedBy),
	)
	return dispensed, nil
}

// Census counts patients per consent status for the teacher dashboard
type Census struct {
	Granted   int64 `json:"granted"`
	Pending   int64 `json:"pending"`
	Rejected  int64 `json:"rejected"`
	NoConsent int64 `json:"no_consent"`
}

// ConsentCensus reports how many patients sit in each consent state
func (s *Service) ConsentCensus(ctx context.Context) (*Census, error) {
	var census *Census
	err := s.inTx(ctx, func(st Store) error {
		c, err := st.ConsentCensus(ctx)
		if err != nil {
			return err
		}
		census = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return census, nil
}

func toPrescriptionView(e Entry) PrescriptionView {
	rx := e.Prescription
	pr := e.Prescriber
	return PrescriptionView{
		PrescriptionID:   rx.ID,
		DSPID:            rx.DSPID,
		Status:           rx.Status.DisplayName(),
		DrugName:         rx.DrugName,
		DrugCode:         rx.DrugCode,
		DoseInstructions: rx.DoseInstructions,
		DoseQty:          rx.DoseQty,
		DoseRepeats:      rx.DoseRepeats,
		PrescribedDate:   rx.PrescribedDate,
		DispensedDate:    rx.DispensedDate,
		Paperless:        rx.Paperless,
		BrandSubNotPrmt:  rx.BrandSubNotPrmt,
		RemainingRepeats: rx.RemainingRepeats,
		Prescriber: PrescriberView{
			GivenName:  pr.GivenName,
			FamilyName: pr.FamilyName,
			Title:      pr.Title,
			Address1:   pr.Address1,
			Address2:   pr.Address2,
			ID:         pr.PrescriberID,
			HPII:       pr.HPII,
			HPIO:       pr.HPIO,
			Phone:      pr.Phone,
			Fax:        pr.Fax,
		},
	}
}
