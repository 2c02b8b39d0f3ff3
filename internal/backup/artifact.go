package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// checksum is the integrity digest of a snapshot payload, always computed
// over the plaintext serialization — never the compressed or encrypted
// form — so restore can re-verify after decryption.
func checksum(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

func compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create xz reader: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return plaintext, nil
}

// writeArtifact persists the payload and its sidecar. The payload file
// holds ciphertext only; everything needed to inspect or decrypt it lives
// in the sidecar.
func writeArtifact(payloadPath string, ciphertext []byte, sidecar Sidecar) error {
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(payloadPath, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	meta, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath(payloadPath), meta, 0o600); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

func readArtifact(payloadPath string) ([]byte, *Sidecar, error) {
	ciphertext, err := os.ReadFile(payloadPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read payload: %w", err)
	}
	meta, err := os.ReadFile(sidecarPath(payloadPath))
	if err != nil {
		return nil, nil, fmt.Errorf("read sidecar: %w", err)
	}
	var sidecar Sidecar
	if err := json.Unmarshal(meta, &sidecar); err != nil {
		return nil, nil, fmt.Errorf("parse sidecar: %w", err)
	}
	return ciphertext, &sidecar, nil
}

func removeArtifact(payloadPath string) error {
	if err := os.Remove(payloadPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove payload: %w", err)
	}
	if err := os.Remove(sidecarPath(payloadPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}

func sidecarPath(payloadPath string) string {
	// <name>.json.enc -> <name>.json.meta
	base := payloadPath
	if filepath.Ext(base) == ".enc" {
		base = base[:len(base)-len(".enc")]
	}
	return base + ".meta"
}
