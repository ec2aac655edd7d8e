// Package postgres is the persistence adapter. It maps the domain enums
// onto their stored smallint codes, runs every service call inside one
// pgx transaction, and hosts the transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pharmsim/asl-engine/internal/consent"
	"github.com/pharmsim/asl-engine/internal/domain/asl"
	"github.com/pharmsim/asl-engine/internal/ingest"
	"github.com/pharmsim/asl-engine/internal/records"
)

// Status codes as stored in patients.asl_status
const (
	codeNoConsent int16 = 0
	codePending   int16 = 1
	codeGranted   int16 = 2
	codeRejected  int16 = 3
)

// Prescription status codes as stored in prescriptions.status
const (
	codeRxPending   int16 = 0
	codeRxAvailable int16 = 1
	codeRxDispensed int16 = 2
	codeRxCancelled int16 = 3
)

func statusCode(s asl.Status) int16 {
	switch s {
	case asl.StatusPending:
		return codePending
	case asl.StatusGranted:
		return codeGranted
	case asl.StatusRejected:
		return codeRejected
	default:
		return codeNoConsent
	}
}

func statusFromCode(c int16) asl.Status {
	switch c {
	case codePending:
		return asl.StatusPending
	case codeGranted:
		return asl.StatusGranted
	case codeRejected:
		return asl.StatusRejected
	default:
		return asl.StatusNoConsent
	}
}

func rxStatusCode(s asl.PrescriptionStatus) int16 {
	switch s {
	case asl.RxAvailable:
		return codeRxAvailable
	case asl.RxDispensed:
		return codeRxDispensed
	case asl.RxCancelled:
		return codeRxCancelled
	default:
		return codeRxPending
	}
}

func rxStatusFromCode(c int16) asl.PrescriptionStatus {
	switch c {
	case codeRxAvailable:
		return asl.RxAvailable
	case codeRxDispensed:
		return asl.RxDispensed
	case codeRxCancelled:
		return asl.RxCancelled
	default:
		return asl.RxPending
	}
}

// Store wraps the connection pool
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// TxStore is a transaction-scoped view of the store. It satisfies the
// ingest, consent and records store interfaces.
type TxStore struct {
	tx pgx.Tx
}

// InTx runs fn inside one transaction, committing on nil and rolling
// back on any error or panic.
func (s *Store) InTx(ctx context.Context, fn func(*TxStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&TxStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IngestTx adapts InTx to the ingestion service
func (s *Store) IngestTx() ingest.TxRunner {
	return func(ctx context.Context, fn func(ingest.Store) error) error {
		return s.InTx(ctx, func(ts *TxStore) error { return fn(ts) })
	}
}

// ConsentTx adapts InTx to the consent machine
func (s *Store) ConsentTx() consent.TxRunner {
	return func(ctx context.Context, fn func(consent.Store) error) error {
		return s.InTx(ctx, func(ts *TxStore) error { return fn(ts) })
	}
}

// RecordsTx adapts InTx to the records service
func (s *Store) RecordsTx() records.TxRunner {
	return func(ctx context.Context, fn func(records.Store) error) error {
		return s.InTx(ctx, func(ts *TxStore) error { return fn(ts) })
	}
}

const patientColumns = `id, medicare, entitlement_no, safety_net_card, rpbs_card,
	name, dob, preferred_contact, address_1, address_2, script_date, pbs, rpbs,
	asl_status, is_registered, consent_last_updated`

func scanPatient(row pgx.Row) (*asl.Patient, error) {
	p := &asl.Patient{}
	var code int16
	err := row.Scan(
		&p.ID, &p.Medicare, &p.EntitlementNumber, &p.SafetyNetCard, &p.RPBSCard,
		&p.Name, &p.DOB, &p.PreferredContact, &p.Address1, &p.Address2,
		&p.ScriptDate, &p.PBS, &p.RPBS, &code, &p.IsRegistered, &p.ConsentLastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, asl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ASLStatus = statusFromCode(code)
	return p, nil
}

// PatientByMedicare looks a patient up by the natural dedup key
func (t *TxStore) PatientByMedicare(ctx context.Context, medicare int64) (*asl.Patient, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE medicare = $1`, medicare)
	return scanPatient(row)
}

// PatientByID looks a patient up by row id
func (t *TxStore) PatientByID(ctx context.Context, id int64) (*asl.Patient, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

// PatientForUpdate locks the patient row for the rest of the transaction
// so concurrent consent transitions serialize.
func (t *TxStore) PatientForUpdate(ctx context.Context, id int64) (*asl.Patient, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1 FOR UPDATE`, id)
	return scanPatient(row)
}

// InsertPatient inserts and backfills the generated id
func (t *TxStore) InsertPatient(ctx context.Context, p *asl.Patient) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO patients (medicare, entitlement_no, safety_net_card, rpbs_card,
			name, dob, preferred_contact, address_1, address_2, script_date, pbs, rpbs,
			asl_status, is_registered, consent_last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		p.Medicare, p.EntitlementNumber, p.SafetyNetCard, p.RPBSCard,
		p.Name, p.DOB, p.PreferredContact, p.Address1, p.Address2,
		p.ScriptDate, p.PBS, p.RPBS, statusCode(p.ASLStatus), p.IsRegistered, p.ConsentLastUpdated,
	).Scan(&p.ID)
}

// UpdatePatient rewrites every mutable field
func (t *TxStore) UpdatePatient(ctx context.Context, p *asl.Patient) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE patients SET entitlement_no = $2, safety_net_card = $3, rpbs_card = $4,
			name = $5, dob = $6, preferred_contact = $7, address_1 = $8, address_2 = $9,
			script_date = $10, pbs = $11, rpbs = $12, asl_status = $13,
			is_registered = $14, consent_last_updated = $15
		WHERE id = $1`,
		p.ID, p.EntitlementNumber, p.SafetyNetCard, p.RPBSCard,
		p.Name, p.DOB, p.PreferredContact, p.Address1, p.Address2,
		p.ScriptDate, p.PBS, p.RPBS, statusCode(p.ASLStatus), p.IsRegistered, p.ConsentLastUpdated,
	)
	return err
}

// UpdatePatientConsent persists only the consent-machine fields
func (t *TxStore) UpdatePatientConsent(ctx context.Context, p *asl.Patient) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE patients SET asl_status = $2, is_registered = $3, consent_last_updated = $4
		WHERE id = $1`,
		p.ID, statusCode(p.ASLStatus), p.IsRegistered, p.ConsentLastUpdated,
	)
	return err
}

const prescriberColumns = `id, given_name, family_name, title, address_1, address_2,
	prescriber_id, hpii, hpio, phone, fax`

func scanPrescriber(row pgx.Row) (*asl.Prescriber, error) {
	p := &asl.Prescriber{}
	err := row.Scan(
		&p.ID, &p.GivenName, &p.FamilyName, &p.Title, &p.Address1, &p.Address2,
		&p.PrescriberID, &p.HPII, &p.HPIO, &p.Phone, &p.Fax,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, asl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PrescriberByNaturalID looks a prescriber up by the contract identifier
func (t *TxStore) PrescriberByNaturalID(ctx context.Context, prescriberID int64) (*asl.Prescriber, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+prescriberColumns+` FROM prescribers WHERE prescriber_id = $1`, prescriberID)
	return scanPrescriber(row)
}

// InsertPrescriber inserts and backfills the generated id
func (t *TxStore) InsertPrescriber(ctx context.Context, p *asl.Prescriber) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO prescribers (given_name, family_name, title, address_1, address_2,
			prescriber_id, hpii, hpio, phone, fax)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.GivenName, p.FamilyName, p.Title, p.Address1, p.Address2,
		p.PrescriberID, p.HPII, p.HPIO, p.Phone, p.Fax,
	).Scan(&p.ID)
}

// UpdatePrescriber rewrites the prescriber's mutable fields in place
func (t *TxStore) UpdatePrescriber(ctx context.Context, p *asl.Prescriber) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE prescribers SET given_name = $2, family_name = $3, title = $4,
			address_1 = $5, address_2 = $6, hpii = $7, hpio = $8, phone = $9, fax = $10
		WHERE id = $1`,
		p.ID, p.GivenName, p.FamilyName, p.Title, p.Address1, p.Address2,
		p.HPII, p.HPIO, p.Phone, p.Fax,
	)
	return err
}

const prescriptionColumns = `id, patient_id, prescriber_id, dspid, status, drug_name,
	drug_code, dose_instr, dose_qty, dose_rpt, prescribed_date, dispensed_date,
	paperless, brand_sub_not_prmt, remaining_repeats, dispensed_here`

func scanPrescription(row pgx.Row) (*asl.Prescription, error) {
	p := &asl.Prescription{}
	var code int16
	err := row.Scan(
		&p.ID, &p.PatientID, &p.PrescriberID, &p.DSPID, &code, &p.DrugName,
		&p.DrugCode, &p.DoseInstructions, &p.DoseQty, &p.DoseRepeats,
		&p.PrescribedDate, &p.DispensedDate, &p.Paperless, &p.BrandSubNotPrmt,
		&p.RemainingRepeats, &p.DispensedHere,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, asl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = rxStatusFromCode(code)
	return p, nil
}

// InsertPrescription inserts and backfills the generated id
func (t *TxStore) InsertPrescription(ctx context.Context, p *asl.Prescription) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO prescriptions (patient_id, prescriber_id, dspid, status, drug_name,
			drug_code, dose_instr, dose_qty, dose_rpt, prescribed_date, dispensed_date,
			paperless, brand_sub_not_prmt, remaining_repeats, dispensed_here)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		p.PatientID, p.PrescriberID, p.DSPID, rxStatusCode(p.Status), p.DrugName,
		p.DrugCode, p.DoseInstructions, p.DoseQty, p.DoseRepeats,
		p.PrescribedDate, p.DispensedDate, p.Paperless, p.BrandSubNotPrmt,
		p.RemainingRepeats, p.DispensedHere,
	).Scan(&p.ID)
}

// UpdatePrescription rewrites the dispensing-related fields
func (t *TxStore) UpdatePrescription(ctx context.Context, p *asl.Prescription) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE prescriptions SET status = $2, dispensed_date = $3,
			remaining_repeats = $4, dispensed_here = $5
		WHERE id = $1`,
		p.ID, rxStatusCode(p.Status), p.DispensedDate, p.RemainingRepeats, p.DispensedHere,
	)
	return err
}

// MarkPendingPrescriptionsAvailable bulk-flips the patient's PENDING
// prescriptions to AVAILABLE, returning how many rows changed.
func (t *TxStore) MarkPendingPrescriptionsAvailable(ctx context.Context, patientID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescriptions SET status = $3 WHERE patient_id = $1 AND status = $2`,
		patientID, codeRxPending, codeRxAvailable,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PrescriptionsByIDs loads the given prescriptions, restricted to one
// patient so a dispense call cannot touch another patient's rows.
func (t *TxStore) PrescriptionsByIDs(ctx context.Context, patientID int64, ids []int64) ([]*asl.Prescription, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+prescriptionColumns+` FROM prescriptions
		WHERE patient_id = $1 AND id = ANY($2)
		ORDER BY id`,
		patientID, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*asl.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const entryQuery = `
	SELECT rx.id, rx.patient_id, rx.prescriber_id, rx.dspid, rx.status, rx.drug_name,
	       rx.drug_code, rx.dose_instr, rx.dose_qty, rx.dose_rpt, rx.prescribed_date,
	       rx.dispensed_date, rx.paperless, rx.brand_sub_not_prmt, rx.remaining_repeats,
	       rx.dispensed_here,
	       pr.id, pr.given_name, pr.family_name, pr.title, pr.address_1, pr.address_2,
	       pr.prescriber_id, pr.hpii, pr.hpio, pr.phone, pr.fax
	FROM prescriptions rx
	JOIN prescribers pr ON pr.id = rx.prescriber_id
	WHERE rx.patient_id = $1`

func scanEntries(rows pgx.Rows) ([]records.Entry, error) {
	defer rows.Close()
	var out []records.Entry
	for rows.Next() {
		var e records.Entry
		var code int16
		err := rows.Scan(
			&e.Prescription.ID, &e.Prescription.PatientID, &e.Prescription.PrescriberID,
			&e.Prescription.DSPID, &code, &e.Prescription.DrugName,
			&e.Prescription.DrugCode, &e.Prescription.DoseInstructions,
			&e.Prescription.DoseQty, &e.Prescription.DoseRepeats,
			&e.Prescription.PrescribedDate, &e.Prescription.DispensedDate,
			&e.Prescription.Paperless, &e.Prescription.BrandSubNotPrmt,
			&e.Prescription.RemainingRepeats, &e.Prescription.DispensedHere,
			&e.Prescriber.ID, &e.Prescriber.GivenName, &e.Prescriber.FamilyName,
			&e.Prescriber.Title, &e.Prescriber.Address1, &e.Prescriber.Address2,
			&e.Prescriber.PrescriberID, &e.Prescriber.HPII, &e.Prescriber.HPIO,
			&e.Prescriber.Phone, &e.Prescriber.Fax,
		)
		if err != nil {
			return nil, err
		}
		e.Prescription.Status = rxStatusFromCode(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesForPatient returns every prescription with its prescriber
func (t *TxStore) EntriesForPatient(ctx context.Context, patientID int64) ([]records.Entry, error) {
	rows, err := t.tx.Query(ctx, entryQuery+` ORDER BY rx.id`, patientID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// SearchEntries matches drug name, drug code and prescriber names by
// case-insensitive substring.
func (t *TxStore) SearchEntries(ctx context.Context, patientID int64, query string) ([]records.Entry, error) {
	pattern := "%" + query + "%"
	rows, err := t.tx.Query(ctx, entryQuery+`
		AND (rx.drug_name ILIKE $2 OR rx.drug_code ILIKE $2
		     OR pr.given_name ILIKE $2 OR pr.family_name ILIKE $2)
		ORDER BY rx.id`,
		patientID, pattern,
	)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ConsentCensus counts patients per consent status
func (t *TxStore) ConsentCensus(ctx context.Context) (*records.Census, error) {
	c := &records.Census{}
	err := t.tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE asl_status = $1),
			COUNT(*) FILTER (WHERE asl_status = $2),
			COUNT(*) FILTER (WHERE asl_status = $3),
			COUNT(*) FILTER (WHERE asl_status = $4)
		FROM patients`,
		codeGranted, codePending, codeRejected, codeNoConsent,
	).Scan(&c.Granted, &c.Pending, &c.Rejected, &c.NoConsent)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AppendEvent stages a domain event on the outbox inside the current
// transaction; the relay publishes it after commit.
func (t *TxStore) AppendEvent(ctx context.Context, e *asl.Event) error {
	payload, err := eventPayload(e)
	if err != nil {
		return err
	}
	entry := &OutboxEntry{
		AggregateID:   fmt.Sprintf("%d", e.PatientID),
		AggregateType: "Patient",
		EventType:     string(e.Type),
		Payload:       payload,
		Topic:         topicForEvent(e.Type),
		Key:           fmt.Sprintf("%d", e.PatientID),
	}
	return WriteEntry(ctx, t.tx, entry)
}
