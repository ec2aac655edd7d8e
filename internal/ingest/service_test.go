package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/pharmsim/asl-engine/internal/contract"
	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

// fakeStore is an in-memory Store for service tests
type fakeStore struct {
	patients      map[int64]*asl.Patient // by medicare
	prescribers   map[int64]*asl.Prescriber
	prescriptions []*asl.Prescription
	events        []*asl.Event
	nextID        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patients:    make(map[int64]*asl.Patient),
		prescribers: make(map[int64]*asl.Prescriber),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) PatientByMedicare(ctx context.Context, medicare int64) (*asl.Patient, error) {
	if p, ok := f.patients[medicare]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, asl.ErrNotFound
}

func (f *fakeStore) InsertPatient(ctx context.Context, p *asl.Patient) error {
	p.ID = f.id()
	cp := *p
	f.patients[p.Medicare] = &cp
	return nil
}

func (f *fakeStore) UpdatePatient(ctx context.Context, p *asl.Patient) error {
	cp := *p
	f.patients[p.Medicare] = &cp
	return nil
}

func (f *fakeStore) PrescriberByNaturalID(ctx context.Context, prescriberID int64) (*asl.Prescriber, error) {
	if pr, ok := f.prescribers[prescriberID]; ok {
		cp := *pr
		return &cp, nil
	}
	return nil, asl.ErrNotFound
}

func (f *fakeStore) InsertPrescriber(ctx context.Context, p *asl.Prescriber) error {
	p.ID = f.id()
	cp := *p
	f.prescribers[p.PrescriberID] = &cp
	return nil
}

func (f *fakeStore) UpdatePrescriber(ctx context.Context, p *asl.Prescriber) error {
	cp := *p
	f.prescribers[p.PrescriberID] = &cp
	return nil
}

func (f *fakeStore) InsertPrescription(ctx context.Context, p *asl.Prescription) error {
	p.ID = f.id()
	cp := *p
	f.prescriptions = append(f.prescriptions, &cp)
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, e *asl.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) runner() TxRunner {
	return func(ctx context.Context, fn func(Store) error) error {
		return fn(f)
	}
}

func prescriberMap(id string) map[string]any {
	return map[string]any{
		"fname":     "Jane",
		"lname":     "Citizen",
		"address-1": "1 Clinic Lane",
		"address-2": "Melbourne VIC 3000",
		"id":        id,
		"hpii":      "8003610000000001",
		"hpio":      "8003620000000001",
		"phone":     "0390000000",
	}
}

func aslItem(code, prescriberID string) map[string]any {
	return map[string]any{
		"DSPID":              "DSP-000001",
		"status":             "available",
		"drug-name":          "Drug " + code,
		"drug-code":          code,
		"dose-instr":         "Take one daily",
		"dose-qty":           "30",
		"dose-rpt":           "5",
		"prescribed-date":    "01/06/2026",
		"paperless":          "true",
		"brand-sub-not-prmt": "false",
		"prescriber":         prescriberMap(prescriberID),
	}
}

func alrItem(code, prescriberID string) map[string]any {
	m := aslItem(code, prescriberID)
	delete(m, "DSPID")
	delete(m, "status")
	m["dispensed-date"] = "15/07/2026"
	m["remaining-repeats"] = "3"
	return m
}

func contractDoc() map[string]any {
	return map[string]any{
		"medicare":                        "49052864011",
		"pharmaceut-ben-entitlement-no":   "EN00000001",
		"sfty-net-entitlement-cardholder": "false",
		"rpbs-ben-entitlement-cardholder": "false",
		"name":                            "Alex Citizen",
		"dob":                             "12/03/1961",
		"preferred-contact":               "0400000000",
		"address-1":                       "5 Example Street",
		"address-2":                       "Sydney NSW 2000",
		"script-date":                     "01/08/2026",
		"consent-status": map[string]any{
			"status":        "no consent",
			"is-registered": "true",
		},
		"asl-data": []any{aslItem("AT4054", "1234567"), aslItem("MF5001", "1234567")},
		"alr-data": []any{alrItem("SB1002", "1234567"), alrItem("PD5003", "7654321")},
	}
}

func TestIngestNewPatient(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	res, err := svc.Ingest(context.Background(), contractDoc(), false)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if !res.IsNewPatient {
		t.Error("expected new patient")
	}
	if res.Patient.ID == 0 {
		t.Error("patient id not assigned")
	}
	if res.CreatedPrescriptions != 4 {
		t.Errorf("created prescriptions = %d, want 4", res.CreatedPrescriptions)
	}
	// two distinct prescriber ids across four items
	if res.CreatedPrescribers != 2 {
		t.Errorf("created prescribers = %d, want 2", res.CreatedPrescribers)
	}
	if len(store.prescribers) != 2 {
		t.Errorf("prescriber rows = %d, want 2", len(store.prescribers))
	}

	for _, rx := range store.prescriptions {
		if rx.PatientID != res.Patient.ID {
			t.Errorf("prescription not linked to patient: %+v", rx)
		}
		if rx.PrescriberID == 0 {
			t.Errorf("prescription missing prescriber link: %+v", rx)
		}
	}

	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	if store.events[0].Type != asl.EventContractIngested {
		t.Errorf("event type = %s", store.events[0].Type)
	}
}

func TestIngestExistingPatientWithoutOverwrite(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	if _, err := svc.Ingest(context.Background(), contractDoc(), false); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	doc := contractDoc()
	doc["name"] = "Changed Name"
	res, err := svc.Ingest(context.Background(), doc, false)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	if res.IsNewPatient {
		t.Error("patient should have been reused")
	}
	if res.CreatedPrescribers != 0 {
		t.Errorf("created prescribers = %d, want 0 on re-ingest", res.CreatedPrescribers)
	}
	if got := store.patients[49052864011].Name; got != "Alex Citizen" {
		t.Errorf("name = %q, existing row must be untouched without overwrite", got)
	}
}

func TestIngestOverwriteReplacesDemographics(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	if _, err := svc.Ingest(context.Background(), contractDoc(), false); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	doc := contractDoc()
	doc["name"] = "Changed Name"
	doc["address-1"] = "99 New Street"
	res, err := svc.Ingest(context.Background(), doc, true)
	if err != nil {
		t.Fatalf("overwrite ingest failed: %v", err)
	}

	if res.IsNewPatient {
		t.Error("overwrite must not create a second patient")
	}
	p := store.patients[49052864011]
	if p.Name != "Changed Name" || p.Address1 != "99 New Street" {
		t.Errorf("demographics not overwritten: %+v", p)
	}
	if len(store.patients) != 1 {
		t.Errorf("patient rows = %d, want 1", len(store.patients))
	}
}

func TestIngestPrescriberCountedOncePerCall(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	doc := contractDoc()
	// all four items share one prescriber
	doc["asl-data"] = []any{aslItem("AT4054", "1234567"), aslItem("MF5001", "1234567")}
	doc["alr-data"] = []any{alrItem("SB1002", "1234567"), alrItem("PD5003", "1234567")}

	res, err := svc.Ingest(context.Background(), doc, false)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.CreatedPrescribers != 1 {
		t.Errorf("created prescribers = %d, want 1", res.CreatedPrescribers)
	}
	if len(store.prescribers) != 1 {
		t.Errorf("prescriber rows = %d, want 1", len(store.prescribers))
	}
}

func TestIngestValidationFailureTouchesNothing(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	doc := contractDoc()
	delete(doc, "medicare")

	_, err := svc.Ingest(context.Background(), doc, false)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *contract.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *contract.ValidationError, got %T", err)
	}
	if len(store.patients) != 0 || len(store.prescriptions) != 0 || len(store.events) != 0 {
		t.Error("store must be untouched after validation failure")
	}
}

func TestIngestExistingPrescriberRefreshed(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store.runner(), nil)

	if _, err := svc.Ingest(context.Background(), contractDoc(), false); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	doc := contractDoc()
	pr := prescriberMap("1234567")
	pr["phone"] = "0399999999"
	item := aslItem("ES2004", "1234567")
	item["prescriber"] = pr
	doc["asl-data"] = []any{item}
	doc["alr-data"] = []any{}

	if _, err := svc.Ingest(context.Background(), doc, false); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	if got := store.prescribers[1234567].Phone; got != "0399999999" {
		t.Errorf("phone = %q, want refreshed contact details", got)
	}
}
