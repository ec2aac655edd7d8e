package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pharmsim/asl-engine/internal/domain/asl"
)

// DateFormat is the only accepted date layout, DD/MM/YYYY
const DateFormat = "02/01/2006"

var (
	nonDigitRe = regexp.MustCompile(`\D`)
	drugCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{4,6}$`)
)

// stringify renders a loosely-typed scalar the way the sender wrote it.
// JSON numbers arrive as float64 unless the decoder used json.Number, so
// both are formatted without exponent notation.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toBool coerces boolean-like values: real booleans pass through, the
// usual yes/no string spellings map, numbers coerce via truthiness.
func toBool(where, field string, v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f != 0, nil
		}
	}
	return false, badField(where, field, fmt.Sprintf("cannot convert %v to bool for %s", v, field))
}

// digitsOnly strips every non-digit character from the value's string
// form and parses the remainder. digits > 0 demands that exact count,
// as with the 11-digit Medicare number and 16-digit HPI identifiers.
func digitsOnly(where, field string, v any, digits int) (int64, error) {
	s := nonDigitRe.ReplaceAllString(stringify(v), "")
	if s == "" {
		return 0, badField(where, field, field+" must be numeric")
	}
	if digits > 0 && len(s) != digits {
		return 0, badField(where, field, fmt.Sprintf("%s must be %d digits", field, digits))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, badField(where, field, field+" must be numeric")
	}
	return n, nil
}

// validateDate checks DD/MM/YYYY and returns the original string
func validateDate(where, field string, v any) (string, error) {
	s := stringify(v)
	if _, err := time.Parse(DateFormat, s); err != nil {
		return "", badField(where, field, field+" must be DD/MM/YYYY")
	}
	return s, nil
}

// validateDrugCode accepts 4-6 alphanumeric characters, any case
func validateDrugCode(where string, v any) (string, error) {
	s := stringify(v)
	if !drugCodeRe.MatchString(s) {
		return "", badField(where, "drug-code", "invalid drug-code: "+s)
	}
	return s, nil
}

// ParseStatus normalizes a consent-status string (uppercase, underscores
// to spaces) and maps it onto the closed ASL status set.
func ParseStatus(s string) (asl.Status, error) {
	key := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "_", " ")
	switch key {
	case "NO CONSENT":
		return asl.StatusNoConsent, nil
	case "PENDING":
		return asl.StatusPending, nil
	case "GRANTED":
		return asl.StatusGranted, nil
	case "REJECTED":
		return asl.StatusRejected, nil
	}
	return "", badField("consent-status", "status", "invalid ASL status "+s)
}
