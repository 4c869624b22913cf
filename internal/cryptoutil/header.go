package cryptoutil

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sessionctl/sessionctl/internal/errs"
)

// HeaderFileName is the cleartext header written next to encrypted
// backup files. It holds everything needed to begin decryption and is
// itself never encrypted.
const HeaderFileName = "encryption.json"

// Header is the persisted encryption context for one backup. The salt
// and iteration count are shared by all files in the backup; each
// ciphertext file carries its own IV as a 16-byte prefix.
type Header struct {
	KDF        string `json:"kdf"`
	Cipher     string `json:"cipher"`
	Salt       string `json:"salt"` // base64
	Iterations int    `json:"kdf_iteration_count"`
	Manifest   string `json:"manifest"` // backup-relative path to metadata.json
}

// NewHeader builds the header for a fresh backup.
func NewHeader(salt []byte, manifestPath string) Header {
	return Header{
		KDF:        "pbkdf2-sha256",
		Cipher:     "aes-256-ctr",
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: KDFIterations,
		Manifest:   manifestPath,
	}
}

// SaltBytes decodes the stored salt.
func (h Header) SaltBytes() ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(h.Salt)
	if err != nil {
		return nil, errs.Newf(errs.KindCrypto, "", "decode salt: %v", err)
	}
	return salt, nil
}

// WriteHeader persists the header under dir.
func WriteHeader(dir string, h Header) error {
	payload, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	payload = append(payload, '\n')
	if err := os.WriteFile(filepath.Join(dir, HeaderFileName), payload, 0o600); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}

// ReadHeader loads the header from dir. A missing header means the
// backup is not encrypted.
func ReadHeader(dir string) (Header, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, HeaderFileName))
	if os.IsNotExist(err) {
		return Header{}, false, nil
	}
	if err != nil {
		return Header{}, false, errs.New(errs.KindIO, "", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, false, errs.Newf(errs.KindIntegrity, "", "malformed encryption header: %v", err)
	}
	if h.Iterations <= 0 || h.Salt == "" {
		return Header{}, false, errs.Newf(errs.KindIntegrity, "", "incomplete encryption header")
	}
	return h, true, nil
}
