package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	dErrors "medvault/pkg/domain-errors"
)

// Level is a data sensitivity classification. Field names are mapped to
// levels up front and validated at startup, rather than resolved ad hoc
// per request.
type Level string

const (
	LevelRestricted   Level = "restricted"
	LevelConfidential Level = "confidential"
	LevelInternal     Level = "internal"
	LevelPublic       Level = "public"
)

var knownLevels = map[Level]struct{}{
	LevelRestricted:   {},
	LevelConfidential: {},
	LevelInternal:     {},
	LevelPublic:       {},
}

// DefaultClassification returns the platform field classification. Callers
// with additional schemas extend this before constructing the FieldCipher.
func DefaultClassification() map[Level][]string {
	return map[Level][]string{
		LevelRestricted: {
			"ssn", "national_id", "bank_account", "credit_card",
			"medical_record_number", "genetic_data", "biometric_data",
		},
		LevelConfidential: {
			"name", "email", "phone", "address", "date_of_birth",
			"diagnosis", "medications", "allergies", "test_results",
			"treatment_plans",
		},
		LevelInternal: {
			"appointment_dates", "insurance_info", "employer_info",
			"emergency_contact",
		},
	}
}

// Pseudonym pairs an original value with its derived token. The caller must
// store the mapping separately from the pseudonymized record and restrict
// access to it; without the mapping the tokens are not reversible.
type Pseudonym struct {
	Original string `json:"original"`
	Token    string `json:"token"`
}

// FieldCipher encrypts and decrypts individual record fields according to a
// validated classification.
type FieldCipher struct {
	engine *Engine
	sets   map[Level]map[string]struct{}
}

// NewFieldCipher validates the classification at construction: every level
// must be known, field sets must be non-empty, and no field may appear in
// two levels.
func NewFieldCipher(engine *Engine, classification map[Level][]string) (*FieldCipher, error) {
	if engine == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "engine is required")
	}
	if len(classification) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "classification cannot be empty")
	}

	sets := make(map[Level]map[string]struct{}, len(classification))
	seen := make(map[string]Level)
	for level, fields := range classification {
		if _, ok := knownLevels[level]; !ok {
			return nil, dErrors.Newf(dErrors.CodeValidation, "unknown classification level %q", level)
		}
		if len(fields) == 0 {
			return nil, dErrors.Newf(dErrors.CodeValidation, "classification level %q has no fields", level)
		}
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			if prev, dup := seen[f]; dup {
				return nil, dErrors.Newf(dErrors.CodeValidation,
					"field %q classified as both %q and %q", f, prev, level)
			}
			seen[f] = level
			set[f] = struct{}{}
		}
		sets[level] = set
	}
	return &FieldCipher{engine: engine, sets: sets}, nil
}

// EncryptFields returns a copy of record in which every field belonging to
// one of the given levels is replaced by its string envelope under purpose
// "phi". Fields outside the classification, absent fields, and nil values
// are left untouched.
func (fc *FieldCipher) EncryptFields(record map[string]any, levels ...Level) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for key, value := range record {
		if value == nil || !fc.classified(key, levels) {
			out[key] = value
			continue
		}
		envelope, err := fc.engine.EncryptString(stringify(value), PurposePHI)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encrypt field "+key)
		}
		out[key] = envelope
	}
	return out, nil
}

// DecryptFields reverses EncryptFields. Only string values carrying the
// envelope prefix are touched, so records with a mix of encrypted and
// plaintext fields decrypt cleanly.
func (fc *FieldCipher) DecryptFields(record map[string]any, levels ...Level) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for key, value := range record {
		s, isString := value.(string)
		if !isString || !IsEnvelope(s) || !fc.classified(key, levels) {
			out[key] = value
			continue
		}
		plaintext, err := fc.engine.DecryptString(s, PurposePHI)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt field "+key)
		}
		out[key] = plaintext
	}
	return out, nil
}

// Pseudonymize replaces each named field with a deterministic one-way token
// derived from the value and the master secret, and returns the mapping.
// Pseudonymization is not reversible without the mapping.
func (fc *FieldCipher) Pseudonymize(record map[string]any, fields []string) (map[string]any, map[string]Pseudonym, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	mapping := make(map[string]Pseudonym, len(fields))
	for _, field := range fields {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		original := stringify(value)
		token := fc.engine.pseudonymToken(original)
		mapping[field] = Pseudonym{Original: original, Token: token}
		out[field] = token
	}
	return out, mapping, nil
}

func (fc *FieldCipher) classified(field string, levels []Level) bool {
	for _, level := range levels {
		if set, ok := fc.sets[level]; ok {
			if _, ok := set[field]; ok {
				return true
			}
		}
	}
	return false
}

// pseudonymToken derives a truncated digest of value ∥ master. Truncation
// to 16 hex characters matches the token width the rest of the platform
// stores for pseudonymized identifiers.
func (e *Engine) pseudonymToken(value string) string {
	h := sha256.New()
	h.Write([]byte(value))
	h.Write(e.master)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
