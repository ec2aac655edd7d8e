package contract

import (
	"errors"
	"strings"
	"testing"

	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

func validPrescriber() map[string]any {
	return map[string]any{
		"fname":     "Jane",
		"lname":     "Citizen",
		"title":     "Dr",
		"address-1": "1 Clinic Lane",
		"address-2": "Melbourne VIC 3000",
		"id":        "1234567",
		"hpii":      "8003610000000001",
		"hpio":      "8003620000000001",
		"phone":     "0390000000",
	}
}

func validASLItem() map[string]any {
	return map[string]any{
		"DSPID":              "DSP-000001",
		"status":             "whatever the sender wrote",
		"drug-name":          "Atorvastatin 40mg tablet",
		"drug-code":          "AT4054",
		"dose-instr":         "Take one daily",
		"dose-qty":           "30",
		"dose-rpt":           "5",
		"prescribed-date":    "01/06/2026",
		"paperless":          "true",
		"brand-sub-not-prmt": "false",
		"prescriber":         validPrescriber(),
	}
}

func validALRItem() map[string]any {
	return map[string]any{
		"drug-name":          "Metformin 500mg tablet",
		"drug-code":          "MF5001",
		"dose-instr":         "Take with food",
		"dose-qty":           "60",
		"dose-rpt":           "3",
		"prescribed-date":    "15/05/2026",
		"dispensed-date":     "20/05/2026",
		"paperless":          false,
		"brand-sub-not-prmt": true,
		"remaining-repeats":  "2",
		"prescriber":         validPrescriber(),
	}
}

func validDocument() map[string]any {
	return map[string]any{
		"medicare":                        "4905 2864 011",
		"pharmaceut-ben-entitlement-no":   "EN00000001",
		"sfty-net-entitlement-cardholder": "false",
		"rpbs-ben-entitlement-cardholder": "no",
		"name":                            "Alex Citizen",
		"dob":                             "12/03/1961",
		"preferred-contact":               "0400 000 000",
		"address-1":                       "5 Example Street",
		"address-2":                       "Sydney NSW 2000",
		"script-date":                     "01/08/2026",
		"consent-status": map[string]any{
			"status":        "no consent",
			"is-registered": "true",
			"last-updated":  "01/08/2026 09:30",
		},
		"asl-data": []any{validASLItem()},
		"alr-data": []any{validALRItem()},
	}
}

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse(validDocument())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	p := doc.Patient
	if p.Medicare != 49052864011 {
		t.Errorf("medicare = %d", p.Medicare)
	}
	if p.Name != "Alex Citizen" {
		t.Errorf("name = %q", p.Name)
	}
	if p.DOB != "12/03/1961" {
		t.Errorf("dob = %q, want original string preserved", p.DOB)
	}
	if p.ASLStatus != asl.StatusNoConsent {
		t.Errorf("status = %s", p.ASLStatus)
	}
	if !p.IsRegistered {
		t.Error("expected is-registered true")
	}
	if p.ConsentLastUpdated != "01/08/2026 09:30" {
		t.Errorf("last-updated = %q", p.ConsentLastUpdated)
	}

	if len(doc.ASLItems) != 1 || len(doc.ALRItems) != 1 {
		t.Fatalf("items = %d asl, %d alr", len(doc.ASLItems), len(doc.ALRItems))
	}

	active := doc.ASLItems[0].Prescription
	if active.Status != asl.RxAvailable {
		t.Errorf("active item status = %s, want AVAILABLE", active.Status)
	}
	if active.DispensedHere {
		t.Error("active item must not be marked dispensed here")
	}

	history := doc.ALRItems[0].Prescription
	if history.Status != asl.RxDispensed {
		t.Errorf("history item status = %s, want DISPENSED", history.Status)
	}
	if !history.DispensedHere {
		t.Error("history item must be marked dispensed here")
	}
	if history.DispensedDate != "20/05/2026" {
		t.Errorf("dispensed-date = %q", history.DispensedDate)
	}
	if history.RemainingRepeats != 2 {
		t.Errorf("remaining-repeats = %d", history.RemainingRepeats)
	}

	pr := doc.ASLItems[0].Prescriber
	if pr.PrescriberID != 1234567 {
		t.Errorf("prescriber id = %d", pr.PrescriberID)
	}
	if pr.HPII != 8003610000000001 {
		t.Errorf("hpii = %d", pr.HPII)
	}
}

func TestParseReportsAllMissingKeys(t *testing.T) {
	raw := validDocument()
	delete(raw, "medicare")
	delete(raw, "dob")
	delete(raw, "alr-data")

	_, err := Parse(raw)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Where != "pt_data" {
		t.Errorf("where = %q", verr.Where)
	}
	if len(verr.Fields) != 3 {
		t.Errorf("fields = %v, want all three missing keys", verr.Fields)
	}
	for _, f := range []string{"medicare", "dob", "alr-data"} {
		found := false
		for _, got := range verr.Fields {
			if got == f {
				found = true
			}
		}
		if !found {
			t.Errorf("missing key %q not reported in %v", f, verr.Fields)
		}
	}
	if !strings.Contains(verr.Error(), "pt_data") {
		t.Errorf("error %q does not name the containing object", verr.Error())
	}
}

func TestParseRejectsShortMedicare(t *testing.T) {
	raw := validDocument()
	raw["medicare"] = "4905286401" // 10 digits

	_, err := Parse(raw)
	if err == nil {
		t.Fatal("expected error for 10-digit medicare")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestParseConsentStatusMustBeObject(t *testing.T) {
	raw := validDocument()
	raw["consent-status"] = "granted"

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for scalar consent-status")
	}
}

func TestParseConsentStatusMissingKeys(t *testing.T) {
	raw := validDocument()
	raw["consent-status"] = map[string]any{"status": "granted"}

	_, err := Parse(raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Where != "consent-status" {
		t.Errorf("where = %q", verr.Where)
	}
}

func TestParseALRItemZeroRepeatsRejected(t *testing.T) {
	item := validALRItem()
	item["remaining-repeats"] = "0"
	raw := validDocument()
	raw["alr-data"] = []any{item}

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for zero remaining-repeats")
	}
}

func TestParseALRItemMissingDispensedDate(t *testing.T) {
	item := validALRItem()
	delete(item, "dispensed-date")
	raw := validDocument()
	raw["alr-data"] = []any{item}

	_, err := Parse(raw)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Where != "alr-data item" {
		t.Errorf("where = %q", verr.Where)
	}
}

func TestParseASLItemStatusKeyRequiredValueIgnored(t *testing.T) {
	item := validASLItem()
	delete(item, "status")
	raw := validDocument()
	raw["asl-data"] = []any{item}

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error when status key is absent")
	}

	// present but nonsense is fine; the record still lands AVAILABLE
	item["status"] = "dispensed"
	raw["asl-data"] = []any{item}
	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.ASLItems[0].Prescription.Status != asl.RxAvailable {
		t.Errorf("status = %s, want AVAILABLE regardless of sender value", doc.ASLItems[0].Prescription.Status)
	}
}

func TestParseEmptyListsAndNulls(t *testing.T) {
	raw := validDocument()
	raw["asl-data"] = []any{}
	raw["alr-data"] = nil // key present, null value

	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(doc.ASLItems) != 0 || len(doc.ALRItems) != 0 {
		t.Errorf("expected no items, got %d/%d", len(doc.ASLItems), len(doc.ALRItems))
	}
}

func TestParseInvalidDrugCode(t *testing.T) {
	for _, code := range []string{"AB1", "AB12!", "ABCDEFG"} {
		item := validASLItem()
		item["drug-code"] = code
		raw := validDocument()
		raw["asl-data"] = []any{item}

		if _, err := Parse(raw); err == nil {
			t.Errorf("drug-code %q: expected error", code)
		}
	}
}
