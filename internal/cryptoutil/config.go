package cryptoutil

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/minio/sio"
)

const (
	configMagic = "SCB1"
	configVer   = uint16(1)
)

// EncryptConfig seals a config payload as a DARE stream behind a small
// versioned header. Config files use a raw 32-byte key (see ParseKey),
// not the backup password path.
func EncryptConfig(plain []byte, key []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.WriteString(configMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, configVer); err != nil {
		return nil, err
	}
	if _, err := sio.Encrypt(buf, bytes.NewReader(plain), sio.Config{Key: key}); err != nil {
		return nil, fmt.Errorf("seal config: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptConfig opens a config payload produced by EncryptConfig.
func DecryptConfig(ciphertext []byte, key []byte) ([]byte, error) {
	if len(ciphertext) < 6 {
		return nil, fmt.Errorf("config cipher too short")
	}
	if string(ciphertext[:4]) != configMagic {
		return nil, fmt.Errorf("invalid config header")
	}
	ver := binary.BigEndian.Uint16(ciphertext[4:6])
	if ver != configVer {
		return nil, fmt.Errorf("unsupported config version %d", ver)
	}
	out := &bytes.Buffer{}
	if _, err := sio.Decrypt(out, bytes.NewReader(ciphertext[6:]), sio.Config{Key: key}); err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return out.Bytes(), nil
}
