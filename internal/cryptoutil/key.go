package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sessionctl/sessionctl/internal/errs"
)

const (
	// KDFIterations is the fixed PBKDF2-SHA256 iteration count used for
	// backup passwords.
	KDFIterations = 210_000

	// SaltSize is the per-backup random salt length in bytes.
	SaltSize = 16

	keySize = 32
)

func newSHA256() hash.Hash { return sha256.New() }

// DeriveKey stretches a backup password into a 256-bit key. The
// returned key lives only for the duration of one encrypt or decrypt
// call; it is never persisted.
func DeriveKey(password string, salt []byte, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errs.Newf(errs.KindCrypto, "", "backup password is empty")
	}
	if len(salt) != SaltSize {
		return nil, errs.Newf(errs.KindCrypto, "", "invalid salt length: %d (expected %d bytes)", len(salt), SaltSize)
	}
	if iterations <= 0 {
		return nil, errs.Newf(errs.KindCrypto, "", "invalid kdf iteration count: %d", iterations)
	}
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, newSHA256), nil
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.New(errs.KindCrypto, "", err)
	}
	return salt, nil
}

// ParseKey expects a 32-byte key in base64 or hex form. Used for the
// encrypted-config key, which is a raw key rather than a password.
func ParseKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	trimmed := strings.TrimSpace(key)
	var data []byte
	var err error

	switch {
	case strings.HasPrefix(trimmed, "base64:"):
		data, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case strings.HasPrefix(trimmed, "hex:"):
		data, err = hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	default:
		data, err = base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			data, err = hex.DecodeString(trimmed)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), keySize)
	}
	return data, nil
}
