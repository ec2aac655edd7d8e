package contract

import (
	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

var topLevelRequired = []string{
	"medicare",
	"pharmaceut-ben-entitlement-no",
	"sfty-net-entitlement-cardholder",
	"rpbs-ben-entitlement-cardholder",
	"name",
	"dob",
	"preferred-contact",
	"address-1",
	"address-2",
	"script-date",
	"consent-status",
	"asl-data",
	"alr-data",
}

var prescriberRequired = []string{
	"fname",
	"lname",
	"address-1",
	"address-2",
	"id",
	"hpii",
	"hpio",
	"phone",
}

var aslItemRequired = []string{
	"DSPID",
	"status",
	"drug-name",
	"drug-code",
	"dose-instr",
	"dose-qty",
	"dose-rpt",
	"prescribed-date",
	"paperless",
	"brand-sub-not-prmt",
	"prescriber",
}

var alrItemRequired = []string{
	"drug-name",
	"drug-code",
	"dose-instr",
	"dose-qty",
	"dose-rpt",
	"prescribed-date",
	"dispensed-date",
	"paperless",
	"brand-sub-not-prmt",
	"remaining-repeats",
	"prescriber",
}

// Document is a fully validated pt_data contract. Every field has been
// coerced; nothing here has touched storage yet.
type Document struct {
	Patient  asl.Patient
	ASLItems []Item
	ALRItems []Item
}

// Item pairs one prescription with the prescriber values it arrived with.
// The prescriber is transient: ingestion reconciles it against existing
// rows by its natural identifier.
type Item struct {
	Prescription asl.Prescription
	Prescriber   asl.Prescriber
}

// Parse validates and converts a raw pt_data document. It fails with a
// *ValidationError on the first malformed field, before any row is built
// downstream; the returned Document is complete or nil.
func Parse(raw map[string]any) (*Document, error) {
	patient, err := parsePatient(raw)
	if err != nil {
		return nil, err
	}

	doc := &Document{Patient: *patient}

	for _, m := range itemList(raw, "asl-data") {
		item, err := parseASLItem(m)
		if err != nil {
			return nil, err
		}
		doc.ASLItems = append(doc.ASLItems, *item)
	}
	for _, m := range itemList(raw, "alr-data") {
		item, err := parseALRItem(m)
		if err != nil {
			return nil, err
		}
		doc.ALRItems = append(doc.ALRItems, *item)
	}

	return doc, nil
}

func parsePatient(raw map[string]any) (*asl.Patient, error) {
	const where = "pt_data"
	if err := requireKeys(raw, topLevelRequired, where); err != nil {
		return nil, err
	}

	p := &asl.Patient{}
	var err error

	if p.Medicare, err = digitsOnly(where, "medicare", raw["medicare"], 11); err != nil {
		return nil, err
	}
	p.EntitlementNumber = stringify(raw["pharmaceut-ben-entitlement-no"])
	if p.SafetyNetCard, err = toBool(where, "sfty-net-entitlement-cardholder", raw["sfty-net-entitlement-cardholder"]); err != nil {
		return nil, err
	}
	if p.RPBSCard, err = toBool(where, "rpbs-ben-entitlement-cardholder", raw["rpbs-ben-entitlement-cardholder"]); err != nil {
		return nil, err
	}
	p.Name = stringify(raw["name"])
	if p.DOB, err = validateDate(where, "dob", raw["dob"]); err != nil {
		return nil, err
	}
	if p.PreferredContact, err = digitsOnly(where, "preferred-contact", raw["preferred-contact"], 0); err != nil {
		return nil, err
	}
	p.Address1 = stringify(raw["address-1"])
	p.Address2 = stringify(raw["address-2"])
	if p.ScriptDate, err = validateDate(where, "script-date", raw["script-date"]); err != nil {
		return nil, err
	}
	p.PBS = optString(raw, "pbs")
	p.RPBS = optString(raw, "rpbs")

	consent, ok := raw["consent-status"].(map[string]any)
	if !ok {
		return nil, badField(where, "consent-status", "consent-status must be an object")
	}
	if err := requireKeys(consent, []string{"status", "is-registered"}, "consent-status"); err != nil {
		return nil, err
	}
	if p.ASLStatus, err = ParseStatus(stringify(consent["status"])); err != nil {
		return nil, err
	}
	if p.IsRegistered, err = toBool("consent-status", "is-registered", consent["is-registered"]); err != nil {
		return nil, err
	}
	p.ConsentLastUpdated = optString(consent, "last-updated")

	return p, nil
}

func parsePrescriber(raw map[string]any) (*asl.Prescriber, error) {
	const where = "prescriber"
	if err := requireKeys(raw, prescriberRequired, where); err != nil {
		return nil, err
	}

	pr := &asl.Prescriber{}
	var err error

	if pr.PrescriberID, err = digitsOnly(where, "id", raw["id"], 0); err != nil {
		return nil, err
	}
	if pr.HPII, err = digitsOnly(where, "hpii", raw["hpii"], 16); err != nil {
		return nil, err
	}
	if pr.HPIO, err = digitsOnly(where, "hpio", raw["hpio"], 16); err != nil {
		return nil, err
	}
	pr.GivenName = stringify(raw["fname"])
	pr.FamilyName = stringify(raw["lname"])
	pr.Title = optString(raw, "title")
	pr.Address1 = stringify(raw["address-1"])
	pr.Address2 = stringify(raw["address-2"])
	pr.Phone = stringify(raw["phone"])
	pr.Fax = optString(raw, "fax")

	return pr, nil
}

// parseASLItem converts one active-prescription item. Active records
// default to AVAILABLE; the status key must be present but its value is
// not consulted.
func parseASLItem(raw map[string]any) (*Item, error) {
	const where = "asl-data item"
	if err := requireKeys(raw, aslItemRequired, where); err != nil {
		return nil, err
	}

	rx, err := parseCoreFields(where, raw)
	if err != nil {
		return nil, err
	}
	rx.Status = asl.RxAvailable

	pr, err := itemPrescriber(where, raw)
	if err != nil {
		return nil, err
	}
	return &Item{Prescription: *rx, Prescriber: *pr}, nil
}

// parseALRItem converts one dispensing-history item. History records
// must carry a dispensed date and a positive remaining-repeats count,
// and are implicitly flagged as dispensed at this pharmacy.
func parseALRItem(raw map[string]any) (*Item, error) {
	const where = "alr-data item"
	if err := requireKeys(raw, alrItemRequired, where); err != nil {
		return nil, err
	}

	rx, err := parseCoreFields(where, raw)
	if err != nil {
		return nil, err
	}
	rx.Status = asl.RxDispensed
	rx.DispensedHere = true

	if rx.DispensedDate, err = validateDate(where, "dispensed-date", raw["dispensed-date"]); err != nil {
		return nil, err
	}
	remaining, err := digitsOnly(where, "remaining-repeats", raw["remaining-repeats"], 0)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, badField(where, "remaining-repeats", "remaining-repeats must be > 0")
	}
	rx.RemainingRepeats = int(remaining)

	pr, err := itemPrescriber(where, raw)
	if err != nil {
		return nil, err
	}
	return &Item{Prescription: *rx, Prescriber: *pr}, nil
}

// parseCoreFields coerces the fields shared by both item kinds
func parseCoreFields(where string, raw map[string]any) (*asl.Prescription, error) {
	rx := &asl.Prescription{}
	var err error

	rx.DSPID = optString(raw, "DSPID")
	rx.DrugName = stringify(raw["drug-name"])
	if rx.DrugCode, err = validateDrugCode(where, raw["drug-code"]); err != nil {
		return nil, err
	}
	rx.DoseInstructions = stringify(raw["dose-instr"])

	qty, err := digitsOnly(where, "dose-qty", raw["dose-qty"], 0)
	if err != nil {
		return nil, err
	}
	rx.DoseQty = int(qty)

	rpt, err := digitsOnly(where, "dose-rpt", raw["dose-rpt"], 0)
	if err != nil {
		return nil, err
	}
	rx.DoseRepeats = int(rpt)

	if rx.PrescribedDate, err = validateDate(where, "prescribed-date", raw["prescribed-date"]); err != nil {
		return nil, err
	}
	if rx.Paperless, err = toBool(where, "paperless", raw["paperless"]); err != nil {
		return nil, err
	}
	if rx.BrandSubNotPrmt, err = toBool(where, "brand-sub-not-prmt", raw["brand-sub-not-prmt"]); err != nil {
		return nil, err
	}

	return rx, nil
}

func itemPrescriber(where string, raw map[string]any) (*asl.Prescriber, error) {
	sub, ok := raw["prescriber"].(map[string]any)
	if !ok {
		return nil, badField(where, "prescriber", "prescriber must be an object")
	}
	return parsePrescriber(sub)
}

// itemList returns the entries of an asl-data / alr-data list, skipping
// a null list. Non-map entries surface later as empty objects with every
// key missing.
func itemList(raw map[string]any, key string) []map[string]any {
	list, ok := raw[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		out = append(out, m)
	}
	return out
}

func optString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}
