package asl

// PrescriptionStatus represents a prescription's dispensing status
type PrescriptionStatus string

const (
	RxPending   PrescriptionStatus = "PENDING"
	RxAvailable PrescriptionStatus = "AVAILABLE"
	RxDispensed PrescriptionStatus = "DISPENSED"
	RxCancelled PrescriptionStatus = "CANCELLED"
)

// DisplayName returns the title-cased status name, e.g. "Available"
func (s PrescriptionStatus) DisplayName() string {
	return Status(s).DisplayName()
}

// Prescription is a single dispensing record. It belongs to exactly one
// patient and references its prescriber without owning it.
type Prescription struct {
	ID               int64
	PatientID        int64
	PrescriberID     int64
	DSPID            string
	Status           PrescriptionStatus
	DrugName         string
	DrugCode         string
	DoseInstructions string
	DoseQty          int
	DoseRepeats      int
	PrescribedDate   string
	DispensedDate    string
	Paperless        bool
	BrandSubNotPrmt  bool
	RemainingRepeats int
	DispensedHere    bool
}

// InDispenseHistory reports whether the prescription belongs on the ALR
// (dispensing history) list: dispensed at this pharmacy with repeats
// remaining. This gate is independent of the patient's consent status.
func (p *Prescription) InDispenseHistory() bool {
	return p.Status == RxDispensed && p.DispensedHere && p.RemainingRepeats > 0
}
