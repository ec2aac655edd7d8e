package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/api/middleware"
	"github.com/pharmsim/asl-engine/internal/consent"
	"github.com/pharmsim/asl-engine/internal/domain/asl"
	"github.com/pharmsim/asl-engine/internal/ingest"
	"github.com/pharmsim/asl-engine/internal/observability/metrics"
	"github.com/pharmsim/asl-engine/internal/records"
)

// one registry per test binary; metrics.New registers into the default
// prometheus registry and must not run twice
var testMetrics = metrics.New()

// memStore backs all three services in handler tests
type memStore struct {
	patients    []*asl.Patient
	prescribers []*asl.Prescriber
	entries     []records.Entry
	events      []*asl.Event
	nextID      int64
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) PatientByMedicare(ctx context.Context, medicare int64) (*asl.Patient, error) {
	for _, p := range s.patients {
		if p.Medicare == medicare {
			return p, nil
		}
	}
	return nil, asl.ErrNotFound
}

func (s *memStore) PatientByID(ctx context.Context, id int64) (*asl.Patient, error) {
	for _, p := range s.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, asl.ErrNotFound
}

func (s *memStore) PatientForUpdate(ctx context.Context, id int64) (*asl.Patient, error) {
	return s.PatientByID(ctx, id)
}

func (s *memStore) InsertPatient(ctx context.Context, p *asl.Patient) error {
	p.ID = s.id()
	s.patients = append(s.patients, p)
	return nil
}

func (s *memStore) UpdatePatient(ctx context.Context, p *asl.Patient) error { return nil }

func (s *memStore) UpdatePatientConsent(ctx context.Context, p *asl.Patient) error { return nil }

func (s *memStore) PrescriberByNaturalID(ctx context.Context, prescriberID int64) (*asl.Prescriber, error) {
	for _, pr := range s.prescribers {
		if pr.PrescriberID == prescriberID {
			return pr, nil
		}
	}
	return nil, asl.ErrNotFound
}

func (s *memStore) InsertPrescriber(ctx context.Context, p *asl.Prescriber) error {
	p.ID = s.id()
	s.prescribers = append(s.prescribers, p)
	return nil
}

func (s *memStore) UpdatePrescriber(ctx context.Context, p *asl.Prescriber) error { return nil }

func (s *memStore) InsertPrescription(ctx context.Context, p *asl.Prescription) error {
	p.ID = s.id()
	var pr asl.Prescriber
	for _, x := range s.prescribers {
		if x.ID == p.PrescriberID {
			pr = *x
		}
	}
	s.entries = append(s.entries, records.Entry{Prescription: *p, Prescriber: pr})
	return nil
}

func (s *memStore) MarkPendingPrescriptionsAvailable(ctx context.Context, patientID int64) (int64, error) {
	var n int64
	for i := range s.entries {
		rx := &s.entries[i].Prescription
		if rx.PatientID == patientID && rx.Status == asl.RxPending {
			rx.Status = asl.RxAvailable
			n++
		}
	}
	return n, nil
}

func (s *memStore) EntriesForPatient(ctx context.Context, patientID int64) ([]records.Entry, error) {
	var out []records.Entry
	for _, e := range s.entries {
		if e.Prescription.PatientID == patientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) SearchEntries(ctx context.Context, patientID int64, query string) ([]records.Entry, error) {
	q := strings.ToLower(query)
	var out []records.Entry
	for _, e := range s.entries {
		if e.Prescription.PatientID != patientID {
			continue
		}
		if strings.Contains(strings.ToLower(e.Prescription.DrugName), q) ||
			strings.Contains(strings.ToLower(e.Prescription.DrugCode), q) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) PrescriptionsByIDs(ctx context.Context, patientID int64, ids []int64) ([]*asl.Prescription, error) {
	var out []*asl.Prescription
	for i := range s.entries {
		rx := &s.entries[i].Prescription
		if rx.PatientID != patientID {
			continue
		}
		for _, id := range ids {
			if rx.ID == id {
				out = append(out, rx)
			}
		}
	}
	return out, nil
}

func (s *memStore) UpdatePrescription(ctx context.Context, p *asl.Prescription) error { return nil }

func (s *memStore) ConsentCensus(ctx context.Context) (*records.Census, error) {
	c := &records.Census{}
	for _, p := range s.patients {
		switch p.ASLStatus {
		case asl.StatusGranted:
			c.Granted++
		case asl.StatusPending:
			c.Pending++
		case asl.StatusRejected:
			c.Rejected++
		default:
			c.NoConsent++
		}
	}
	return c, nil
}

func (s *memStore) AppendEvent(ctx context.Context, e *asl.Event) error {
	s.events = append(s.events, e)
	return nil
}

func testRouter(store *memStore) chi.Router {
	ingestSvc := ingest.NewService(func(ctx context.Context, fn func(ingest.Store) error) error {
		return fn(store)
	}, nil)
	machine := consent.NewMachine(func(ctx context.Context, fn func(consent.Store) error) error {
		return fn(store)
	}, nil)
	recordsSvc := records.NewService(func(ctx context.Context, fn func(records.Store) error) error {
		return fn(store)
	}, nil)

	r := chi.NewRouter()
	r.Mount("/contracts", NewContractHandler(ingestSvc, testMetrics, zap.NewNop()).Routes())
	r.Mount("/", NewASLHandler(recordsSvc, machine, testMetrics, zap.NewNop()).Routes())
	return r
}

func seedPatient(store *memStore, status asl.Status) *asl.Patient {
	p := &asl.Patient{
		ID:        store.id(),
		Medicare:  49052864011,
		Name:      "Alex Citizen",
		ASLStatus: status,
	}
	store.patients = append(store.patients, p)
	return p
}

func seedEntry(store *memStore, patientID int64, status asl.PrescriptionStatus) *asl.Prescription {
	rx := asl.Prescription{
		ID:           store.id(),
		PatientID:    patientID,
		PrescriberID: 1,
		Status:       status,
		DrugName:     "Atorvastatin 40mg tablet",
		DrugCode:     "AT4054",
		DoseRepeats:  5,
	}
	store.entries = append(store.entries, records.Entry{Prescription: rx})
	return &store.entries[len(store.entries)-1].Prescription
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIngestContractCreated(t *testing.T) {
	store := &memStore{}
	r := testRouter(store)

	body := `{
		"medicare": "4905 2864 011",
		"pharmaceut-ben-entitlement-no": "EN00000001",
		"sfty-net-entitlement-cardholder": "false",
		"rpbs-ben-entitlement-cardholder": "false",
		"name": "Alex Citizen",
		"dob": "12/03/1961",
		"preferred-contact": "0400000000",
		"address-1": "5 Example Street",
		"address-2": "Sydney NSW 2000",
		"script-date": "01/08/2026",
		"consent-status": {"status": "no consent", "is-registered": "true"},
		"asl-data": [],
		"alr-data": []
	}`
	w := doJSON(t, r, "POST", "/contracts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Medicare != 49052864011 || !resp.NewPatient {
		t.Errorf("response = %+v", resp)
	}
}

func TestIngestContractValidationFailure(t *testing.T) {
	store := &memStore{}
	r := testRouter(store)

	w := doJSON(t, r, "POST", "/contracts", `{"name": "No Medicare"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var resp struct {
		Error  string   `json:"error"`
		Where  string   `json:"where"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Where != "pt_data" || len(resp.Fields) == 0 {
		t.Errorf("response = %+v, want the missing keys listed", resp)
	}
}

func TestIngestContractMalformedJSON(t *testing.T) {
	r := testRouter(&memStore{})
	w := doJSON(t, r, "POST", "/contracts", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestViewUnknownPatient(t *testing.T) {
	r := testRouter(&memStore{})
	w := doJSON(t, r, "GET", "/asl/99", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestViewInvalidPatientID(t *testing.T) {
	r := testRouter(&memStore{})
	w := doJSON(t, r, "GET", "/asl/abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRequestAccessConflictReturns409(t *testing.T) {
	store := &memStore{}
	p := seedPatient(store, asl.StatusGranted)
	r := testRouter(store)

	w := doJSON(t, r, "POST", "/asl/1/request-access", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (patient %d is %s)", w.Code, p.ID, p.ASLStatus)
	}
	if !strings.Contains(w.Body.String(), "current status is Granted") {
		t.Errorf("body = %s, must name the current state", w.Body.String())
	}
}

func TestConsentLifecycleOverHTTP(t *testing.T) {
	store := &memStore{}
	p := seedPatient(store, asl.StatusNoConsent)
	seedEntry(store, p.ID, asl.RxPending)
	r := testRouter(store)

	w := doJSON(t, r, "POST", "/asl/1/request-access", "")
	if w.Code != http.StatusOK {
		t.Fatalf("request-access status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/asl/1/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", w.Code, w.Body.String())
	}
	var tr TransitionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("bad refresh body: %v", err)
	}
	if tr.UpdatedPrescriptions != 1 || !tr.ShouldReload {
		t.Errorf("refresh response = %+v", tr)
	}

	w = doJSON(t, r, "DELETE", "/patients/1/consent", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete consent status = %d", w.Code)
	}
	if p.ASLStatus != asl.StatusNoConsent {
		t.Errorf("status after delete = %s", p.ASLStatus)
	}
}

func TestSearchWithoutConsentReturns403(t *testing.T) {
	store := &memStore{}
	seedPatient(store, asl.StatusPending)
	r := testRouter(store)

	w := doJSON(t, r, "GET", "/asl/1/search?q=ator", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestSearchGranted(t *testing.T) {
	store := &memStore{}
	p := seedPatient(store, asl.StatusGranted)
	seedEntry(store, p.ID, asl.RxAvailable)
	r := testRouter(store)

	w := doJSON(t, r, "GET", "/asl/1/search?q=ator", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestDispenseOverHTTP(t *testing.T) {
	store := &memStore{}
	p := seedPatient(store, asl.StatusGranted)
	rx := seedEntry(store, p.ID, asl.RxAvailable)
	r := testRouter(store)

	w := doJSON(t, r, "POST", "/asl/1/dispense",
		`{"prescription_ids": [2], "dispensed_by": "Sam", "dispensed_date": "01/06/2026"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if rx.Status != asl.RxDispensed {
		t.Errorf("status = %s, want DISPENSED", rx.Status)
	}
}

func TestConsentCensusRequiresTeacher(t *testing.T) {
	store := &memStore{}
	seedPatient(store, asl.StatusGranted)
	r := testRouter(store)

	// no client on the context: student by default
	w := doJSON(t, r, "GET", "/stats/consent", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without teacher role", w.Code)
	}

	req := httptest.NewRequest("GET", "/stats/consent", nil)
	ctx := context.WithValue(req.Context(), middleware.ClientKey, middleware.Client{ID: "t1", Role: middleware.RoleTeacher})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with teacher role", rec.Code)
	}
	var census records.Census
	if err := json.Unmarshal(rec.Body.Bytes(), &census); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if census.Granted != 1 {
		t.Errorf("census = %+v", census)
	}
}
