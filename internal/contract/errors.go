// Package contract parses and validates the external pt_data record: the
// nested, loosely-typed document a dispensing system sends to describe one
// patient together with their active (asl-data) and historical (alr-data)
// prescriptions. Parsing is pure: no persistence handle is touched, and a
// document either converts completely or fails with a ValidationError.
package contract

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed or incomplete pt_data document.
// Where names the containing object ("pt_data", "prescriber",
// "asl-data item", "alr-data item"); Fields lists every offending key.
type ValidationError struct {
	Where  string
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("missing [%s] in %s", strings.Join(e.Fields, " "), e.Where)
}

func missingKeys(where string, fields []string) *ValidationError {
	return &ValidationError{Where: where, Fields: fields}
}

func badField(where, field, reason string) *ValidationError {
	return &ValidationError{Where: where, Fields: []string{field}, Reason: reason}
}

// requireKeys fails with a ValidationError naming every absent key
func requireKeys(obj map[string]any, keys []string, where string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return missingKeys(where, missing)
	}
	return nil
}
