package contract

import (
	"encoding/json"
	"testing"
)

func TestToBool(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"TRUE", true},
		{" yes ", true},
		{"y", true},
		{"1", true},
		{"false", false},
		{"No", false},
		{"0", false},
		{float64(1), true},
		{float64(0), false},
		{json.Number("1"), true},
		{json.Number("0"), false},
	}

	for _, c := range cases {
		got, err := toBool("pt_data", "paperless", c.in)
		if err != nil {
			t.Errorf("toBool(%v): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("toBool(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestToBoolRejectsGarbage(t *testing.T) {
	for _, in := range []any{"maybe", "2morrow", struct{}{}} {
		if _, err := toBool("pt_data", "paperless", in); err == nil {
			t.Errorf("toBool(%v): expected error", in)
		}
	}
}

func TestDigitsOnlyStripsSeparators(t *testing.T) {
	// Medicare numbers arrive with spaces or dashes between groups
	got, err := digitsOnly("pt_data", "medicare", "4905 2864 011", 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 49052864011 {
		t.Errorf("got %d, want 49052864011", got)
	}

	got, err = digitsOnly("pt_data", "medicare", "490-528-640-11", 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 49052864011 {
		t.Errorf("got %d, want 49052864011", got)
	}
}

func TestDigitsOnlyWrongLength(t *testing.T) {
	// 10 digits is not a Medicare number
	if _, err := digitsOnly("pt_data", "medicare", "4905286401", 11); err == nil {
		t.Fatal("expected error for 10-digit medicare")
	}
}

func TestDigitsOnlyNonNumeric(t *testing.T) {
	if _, err := digitsOnly("pt_data", "medicare", "no digits here", 11); err == nil {
		t.Fatal("expected error for value with no digits")
	}
}

func TestDigitsOnlyFromJSONNumber(t *testing.T) {
	got, err := digitsOnly("prescriber", "hpii", json.Number("8003610000000001"), 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 8003610000000001 {
		t.Errorf("got %d", got)
	}
}

func TestValidateDate(t *testing.T) {
	got, err := validateDate("asl-data", "prescribed-date", "07/03/2026")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the original string is preserved, not reformatted
	if got != "07/03/2026" {
		t.Errorf("got %q", got)
	}

	bad := []string{"2026-03-07", "32/01/2026", "7 March 2026", ""}
	for _, in := range bad {
		if _, err := validateDate("asl-data", "prescribed-date", in); err == nil {
			t.Errorf("validateDate(%q): expected error", in)
		}
	}
}

func TestValidateDrugCode(t *testing.T) {
	valid := []string{"AB12", "ABCDEF", "02394", "a1b2c3"}
	for _, in := range valid {
		if _, err := validateDrugCode("asl-data", in); err != nil {
			t.Errorf("validateDrugCode(%q): unexpected error %v", in, err)
		}
	}

	invalid := []string{"AB1", "ABCDEFG", "AB12!", "AB 12", ""}
	for _, in := range invalid {
		if _, err := validateDrugCode("asl-data", in); err == nil {
			t.Errorf("validateDrugCode(%q): expected error", in)
		}
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]string{
		"granted":    "GRANTED",
		"GRANTED":    "GRANTED",
		" pending ":  "PENDING",
		"no consent": "NO_CONSENT",
		"no_consent": "NO_CONSENT",
		"rejected":   "REJECTED",
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		if err != nil {
			t.Errorf("ParseStatus(%q): unexpected error %v", in, err)
			continue
		}
		if string(got) != want {
			t.Errorf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseStatus("approved"); err == nil {
		t.Error("expected error for unknown status")
	}
}
