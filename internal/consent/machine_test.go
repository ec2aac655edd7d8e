package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

type fakeStore struct {
	patient  *asl.Patient
	pending  int64 // PENDING prescriptions that a flip would release
	events   []*asl.Event
	lockHits int
}

func (f *fakeStore) PatientForUpdate(ctx context.Context, patientID int64) (*asl.Patient, error) {
	f.lockHits++
	if f.patient == nil || f.patient.ID != patientID {
		return nil, asl.ErrNotFound
	}
	return f.patient, nil
}

func (f *fakeStore) UpdatePatientConsent(ctx context.Context, p *asl.Patient) error {
	f.patient = p
	return nil
}

func (f *fakeStore) MarkPendingPrescriptionsAvailable(ctx context.Context, patientID int64) (int64, error) {
	n := f.pending
	f.pending = 0
	return n, nil
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

func testMachine(store *fakeStore) *Machine {
	m := NewMachine(store.runner(), nil)
	m.now = func() time.Time {
		return time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	}
	return m
}

func patientWithStatus(status asl.Status) *asl.Patient {
	return &asl.Patient{
		ID:        42,
		Medicare:  49052864011,
		Name:      "Alex Citizen",
		ASLStatus: status,
	}
}

func TestRequestAccessFromNoConsent(t *testing.T) {
	store := &fakeStore{patient: patientWithStatus(asl.StatusNoConsent)}
	m := testMachine(store)

	res, err := m.RequestAccess(context.Background(), 42)
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	if store.patient.ASLStatus != asl.StatusPending {
		t.Errorf("status = %s, want PENDING", store.patient.ASLStatus)
	}
	if store.patient.ConsentLastUpdated != "01/08/2026 09:30" {
		t.Errorf("last updated = %q", store.patient.ConsentLastUpdated)
	}
	want := "Access request sent to Alex Citizen. Patient will receive SMS/email to approve."
	if res.Message != want {
		t.Errorf("message = %q", res.Message)
	}
	if len(store.events) != 1 || store.events[0].Type != asl.EventConsentRequested {
		t.Errorf("events = %+v, want one ConsentRequested", store.events)
	}
}

func TestRequestAccessConflicts(t *testing.T) {
	for _, status := range []asl.Status{asl.StatusPending, asl.StatusGranted, asl.StatusRejected} {
		store := &fakeStore{patient: patientWithStatus(status)}
		m := testMachine(store)

		_, err := m.RequestAccess(context.Background(), 42)
		if err == nil {
			t.Fatalf("status %s: expected conflict", status)
		}
		if !asl.IsStateConflict(err) {
			t.Errorf("status %s: got %T, want StateConflictError", status, err)
		}
		if store.patient.ASLStatus != status {
			t.Errorf("status %s: patient mutated to %s", status, store.patient.ASLStatus)
		}
		if len(store.events) != 0 {
			t.Errorf("status %s: no event should be appended on conflict", status)
		}
	}
}

func TestRefreshGrantsFromPending(t *testing.T) {
	store := &fakeStore{patient: patientWithStatus(asl.StatusPending), pending: 3}
	m := testMachine(store)

	res, err := m.Refresh(context.Background(), 42)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if store.patient.ASLStatus != asl.StatusGranted {
		t.Errorf("status = %s, want GRANTED", store.patient.ASLStatus)
	}
	if res.UpdatedPrescriptions != 3 {
		t.Errorf("updated prescriptions = %d, want 3", res.UpdatedPrescriptions)
	}
	if !res.ShouldReload {
		t.Error("grant must signal a reload")
	}
	if len(store.events) != 1 || store.events[0].Type != asl.EventConsentGranted {
		t.Errorf("events = %+v, want one ConsentGranted", store.events)
	}
}

func TestRefreshFromGrantedReleasesStragglers(t *testing.T) {
	store := &fakeStore{patient: patientWithStatus(asl.StatusGranted), pending: 2}
	m := testMachine(store)

	res, err := m.Refresh(context.Background(), 42)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.UpdatedPrescriptions != 2 {
		t.Errorf("updated prescriptions = %d, want 2", res.UpdatedPrescriptions)
	}
	if !res.ShouldReload {
		t.Error("reload expected when stragglers were released")
	}
	if len(store.events) != 0 {
		t.Error("refresh from GRANTED must not emit a grant event")
	}

	// nothing left to flip on the second pass
	res, err = m.Refresh(context.Background(), 42)
	if err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	if res.UpdatedPrescriptions != 0 || res.ShouldReload {
		t.Errorf("second refresh = %+v, want no-op", res)
	}
}

func TestRefreshFromNoConsentConflicts(t *testing.T) {
	store := &fakeStore{patient: patientWithStatus(asl.StatusNoConsent)}
	m := testMachine(store)

	_, err := m.Refresh(context.Background(), 42)
	if !asl.IsStateConflict(err) {
		t.Fatalf("got %v, want state conflict", err)
	}
}

func TestDeleteConsentResetsFromAnyState(t *testing.T) {
	for _, status := range []asl.Status{asl.StatusNoConsent, asl.StatusPending, asl.StatusGranted, asl.StatusRejected} {
		store := &fakeStore{patient: patientWithStatus(status)}
		m := testMachine(store)

		res, err := m.DeleteConsent(context.Background(), 42)
		if err != nil {
			t.Fatalf("status %s: DeleteConsent failed: %v", status, err)
		}
		if store.patient.ASLStatus != asl.StatusNoConsent {
			t.Errorf("status %s: reset to %s, want NO_CONSENT", status, store.patient.ASLStatus)
		}
		if !res.ShouldReload {
			t.Errorf("status %s: reload expected", status)
		}
		if len(store.events) != 1 || store.events[0].Type != asl.EventConsentRevoked {
			t.Errorf("status %s: events = %+v, want one ConsentRevoked", status, store.events)
		}
	}
}

func TestTransitionsOnMissingPatient(t *testing.T) {
	store := &fakeStore{}
	m := testMachine(store)

	if _, err := m.RequestAccess(context.Background(), 7); !errors.Is(err, asl.ErrNotFound) {
		t.Errorf("RequestAccess: got %v, want ErrNotFound", err)
	}
	if _, err := m.Refresh(context.Background(), 7); !errors.Is(err, asl.ErrNotFound) {
		t.Errorf("Refresh: got %v, want ErrNotFound", err)
	}
	if _, err := m.DeleteConsent(context.Background(), 7); !errors.Is(err, asl.ErrNotFound) {
		t.Errorf("DeleteConsent: got %v, want ErrNotFound", err)
	}
}

func TestTransitionsTakeRowLock(t *testing.T) {
	store := &fakeStore{patient: patientWithStatus(asl.StatusNoConsent)}
	m := testMachine(store)

	if _, err := m.RequestAccess(context.Background(), 42); err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if store.lockHits != 1 {
		t.Errorf("lock hits = %d, want 1", store.lockHits)
	}
}
