package crypto

import (
	"encoding/base64"
	"strings"
	"time"

	dErrors "medvault/pkg/domain-errors"
)

// EnvelopePrefix marks a string value as an encrypted envelope. The
// remainder is base64(salt ∥ iv ∥ tag ∥ ciphertext).
const EnvelopePrefix = "enc:v1:"

// EncodeString packs an envelope into its compact string form for storage
// in a database column or a field map. The purpose is not embedded: the
// caller supplies it again at decode time, which is what enforces purpose
// separation end to end.
func EncodeString(p *EncryptedPayload) string {
	combined := make([]byte, 0, saltLength+ivLength+tagLength+len(p.Ciphertext))
	combined = append(combined, p.Salt...)
	combined = append(combined, p.IV...)
	combined = append(combined, p.AuthTag...)
	combined = append(combined, p.Ciphertext...)
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(combined)
}

// IsEnvelope reports whether a string value carries the envelope prefix.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, EnvelopePrefix)
}

// DecodeString unpacks the compact string form produced by EncodeString.
func DecodeString(s, purpose string) (*EncryptedPayload, error) {
	if !IsEnvelope(s) {
		return nil, dErrors.New(dErrors.CodeValidation, "value is not an encrypted envelope")
	}
	combined, err := base64.StdEncoding.DecodeString(s[len(EnvelopePrefix):])
	if err != nil {
		return nil, dErrors.Wrap(ErrDecryptFailed, dErrors.CodeValidation, "corrupt envelope encoding")
	}
	if len(combined) < saltLength+ivLength+tagLength {
		return nil, dErrors.Wrap(ErrDecryptFailed, dErrors.CodeValidation, "envelope too short")
	}
	return &EncryptedPayload{
		Salt:       combined[:saltLength],
		IV:         combined[saltLength : saltLength+ivLength],
		AuthTag:    combined[saltLength+ivLength : saltLength+ivLength+tagLength],
		Ciphertext: combined[saltLength+ivLength+tagLength:],
		Purpose:    purpose,
		CreatedAt:  time.Time{},
	}, nil
}

// EncryptString is a convenience for callers storing single values.
func (e *Engine) EncryptString(plaintext, purpose string) (string, error) {
	p, err := e.Encrypt([]byte(plaintext), purpose)
	if err != nil {
		return "", err
	}
	return EncodeString(p), nil
}

// DecryptString reverses EncryptString.
func (e *Engine) DecryptString(envelope, purpose string) (string, error) {
	p, err := DecodeString(envelope, purpose)
	if err != nil {
		return "", err
	}
	plaintext, err := e.Decrypt(p, purpose)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
