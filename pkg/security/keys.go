package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/corvid-labs/rookery/pkg/errdefs"
)

// keySize is the AES-256 key length in bytes.
const keySize = 32

// GenerateKey produces a random snapshot encryption key, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "generate key")
	}
	return hex.EncodeToString(key), nil
}

// DeriveKey turns a passphrase into a key via SHA-256, hex encoded.
// Random keys from GenerateKey are preferred; derivation exists for
// deployments that must reproduce the key from configuration.
func DeriveKey(passphrase string) (string, error) {
	if passphrase == "" {
		return "", errdefs.InvalidInput("passphrase must not be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return hex.EncodeToString(sum[:]), nil
}

// ValidateKey checks that a hex key decodes to the AES-256 size.
func ValidateKey(hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return errdefs.InvalidInput("key is not valid hex")
	}
	if len(key) != keySize {
		return errdefs.InvalidInput("key must be %d bytes, got %d", keySize, len(key))
	}
	return nil
}

// WriteKeyFile stores a key with owner-only permissions.
func WriteKeyFile(path, hexKey string) error {
	if err := ValidateKey(hexKey); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "create key directory")
	}
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0600); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "write key file")
	}
	return nil
}

// ReadKeyFile loads and validates a stored key.
func ReadKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.NotFound("key file %s not found", path)
		}
		return "", errdefs.Wrap(errdefs.KindInternal, err, "read key file")
	}
	key := strings.TrimSpace(string(data))
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}
