// Package crypto implements the encryption engine for the protection
// subsystem: authenticated encryption of sensitive fields and backup
// payloads with purpose-scoped key derivation from a single master secret.
//
// # Purpose separation
//
// Every derived key is bound to a purpose label that participates in the
// KDF input. The same master secret therefore never produces the same key
// for two different purposes, so a ciphertext produced under "phi" cannot
// be substituted for one under "backup" even when salts collide.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"medvault/internal/platform/metrics"
	dErrors "medvault/pkg/domain-errors"
)

// Well-known purposes. Callers may use any non-empty label; these are the
// ones the platform itself relies on.
const (
	PurposeGeneral = "general"
	PurposePHI     = "phi"
	PurposeAudit   = "audit"
	PurposeBackup  = "backup"
)

const (
	saltLength = 16
	ivLength   = 12
	tagLength  = 16
	keyLength  = 32

	// minIterations is the floor for PBKDF2; configuration may raise it
	// but never lower it.
	minIterations = 100000

	kdfLabelPrefix = "medvault:"
)

// Sentinel errors for the cipher path. Decryption failures are security
// events; callers record them at high risk and must not retry blindly.
var (
	ErrEncryptFailed = errors.New("encryption failed")
	ErrDecryptFailed = errors.New("decryption failed")
)

// EncryptedPayload is the envelope produced by Encrypt. Salt and IV are
// fresh per call and never reused; AuthTag must verify before the
// ciphertext is trusted.
type EncryptedPayload struct {
	Ciphertext []byte    `json:"ciphertext"`
	Salt       []byte    `json:"salt"`
	IV         []byte    `json:"iv"`
	AuthTag    []byte    `json:"auth_tag"`
	Purpose    string    `json:"purpose"`
	CreatedAt  time.Time `json:"created_at"`
}

// RotationRecord captures a master key rotation for the audit trail. It
// carries digests only, never key material.
type RotationRecord struct {
	RotatedAt    time.Time `json:"rotated_at"`
	OldKeyDigest string    `json:"old_key_digest"`
	NewKeyDigest string    `json:"new_key_digest"`
	Status       string    `json:"status"`
}

// Engine derives per-purpose keys from a master secret and performs
// AES-256-GCM authenticated encryption. It owns key-derivation material
// only and never persists or logs plaintext or keys.
type Engine struct {
	master     []byte
	iterations int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIterations raises the PBKDF2 iteration count. Values below the floor
// are ignored.
func WithIterations(n int) Option {
	return func(e *Engine) {
		if n > minIterations {
			e.iterations = n
		}
	}
}

// New constructs an Engine from the master secret. The secret must be at
// least 16 bytes; shorter values indicate a misconfigured deployment.
func New(master []byte, opts ...Option) (*Engine, error) {
	if len(master) < 16 {
		return nil, dErrors.New(dErrors.CodeValidation, "master secret must be at least 16 bytes")
	}
	e := &Engine{
		master:     append([]byte(nil), master...),
		iterations: minIterations,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// deriveKey stretches the master secret into a purpose-scoped key. The
// purpose label is folded into the salt input so distinct purposes yield
// distinct keys for identical salts.
func (e *Engine) deriveKey(salt []byte, purpose string) []byte {
	labeled := make([]byte, 0, len(salt)+len(kdfLabelPrefix)+len(purpose))
	labeled = append(labeled, salt...)
	labeled = append(labeled, kdfLabelPrefix...)
	labeled = append(labeled, purpose...)
	return pbkdf2.Key(e.master, labeled, e.iterations, keyLength, sha256.New)
}

// Encrypt seals plaintext under a purpose-scoped key with a fresh random
// salt and IV. The plaintext is never logged.
func (e *Engine) Encrypt(plaintext []byte, purpose string) (*EncryptedPayload, error) {
	if purpose == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "encryption purpose is required")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, dErrors.Wrap(ErrEncryptFailed, dErrors.CodeInternal, "generate salt")
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, dErrors.Wrap(ErrEncryptFailed, dErrors.CodeInternal, "generate iv")
	}

	aead, err := e.aead(salt, purpose)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagLength

	if e.metrics != nil {
		e.metrics.EncryptOps.WithLabelValues("encrypt", purpose).Inc()
	}

	return &EncryptedPayload{
		Ciphertext: sealed[:split],
		Salt:       salt,
		IV:         iv,
		AuthTag:    sealed[split:],
		Purpose:    purpose,
		CreatedAt:  e.now(),
	}, nil
}

// Decrypt re-derives the key from the stored salt and the supplied purpose,
// then verifies the authentication tag before returning plaintext. It fails
// closed: on tag mismatch or a corrupt envelope no partial data is returned
// and the error never carries plaintext fragments.
func (e *Engine) Decrypt(p *EncryptedPayload, purpose string) ([]byte, error) {
	if p == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "nil payload")
	}
	if purpose == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "decryption purpose is required")
	}
	if len(p.Salt) != saltLength || len(p.IV) != ivLength || len(p.AuthTag) != tagLength {
		return nil, dErrors.Wrap(ErrDecryptFailed, dErrors.CodeValidation, "corrupt envelope")
	}

	aead, err := e.aead(p.Salt, purpose)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+tagLength)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.AuthTag...)

	plaintext, err := aead.Open(nil, p.IV, sealed, nil)
	if err != nil {
		// Deliberately discard the cipher error: nothing derived from the
		// payload may leak into logs or messages.
		return nil, dErrors.Wrap(ErrDecryptFailed, dErrors.CodeForbidden, "authentication tag mismatch")
	}

	if plaintext == nil {
		// Open returns a nil slice for an empty payload; callers get the
		// same empty plaintext they sealed.
		plaintext = []byte{}
	}

	if e.metrics != nil {
		e.metrics.EncryptOps.WithLabelValues("decrypt", purpose).Inc()
	}
	return plaintext, nil
}

func (e *Engine) aead(salt []byte, purpose string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.deriveKey(salt, purpose))
	if err != nil {
		return nil, dErrors.Wrap(ErrEncryptFailed, dErrors.CodeInternal, "init cipher")
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagLength)
	if err != nil {
		return nil, dErrors.Wrap(ErrEncryptFailed, dErrors.CodeInternal, "init gcm")
	}
	return aead, nil
}

// Hash returns the hex SHA-256 digest of data. Integrity checks only; not
// suitable for secrets.
func (e *Engine) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RotateKey generates a new master key candidate and returns a rotation
// record holding the old and new key digests. The engine keeps serving the
// current master: re-encrypting existing payloads is a caller-driven
// migration, after which the caller installs the candidate at next start.
func (e *Engine) RotateKey() (RotationRecord, []byte, error) {
	candidate := make([]byte, keyLength)
	if _, err := rand.Read(candidate); err != nil {
		return RotationRecord{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate key candidate")
	}

	record := RotationRecord{
		RotatedAt:    e.now(),
		OldKeyDigest: e.Hash(e.master),
		NewKeyDigest: e.Hash(candidate),
		Status:       "pending",
	}

	if e.logger != nil {
		e.logger.Info("master key rotation initiated",
			"old_key_digest", record.OldKeyDigest,
			"new_key_digest", record.NewKeyDigest,
		)
	}
	return record, candidate, nil
}
