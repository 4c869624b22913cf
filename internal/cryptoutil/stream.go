package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"github.com/sessionctl/sessionctl/internal/errs"
)

// Backup payload files are encrypted with AES-256-CTR: a fresh random
// 16-byte IV is written as the file prefix, followed by the keystream
// output. CTR carries no authentication tag; tamper and wrong-password
// detection is delegated entirely to the checksum layer, which compares
// the decrypted bytes against the manifest's recorded plaintext digest.

const (
	// IVSize is the AES block size, stored as the ciphertext prefix.
	IVSize = aes.BlockSize

	streamChunk = 64 * 1024
)

// EncryptStream encrypts src to dst with a fresh IV and returns the
// number of ciphertext bytes written, IV prefix included.
func EncryptStream(dst io.Writer, src io.Reader, key []byte) (int64, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return 0, errs.New(errs.KindCrypto, "", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, errs.New(errs.KindCrypto, "", err)
	}
	if _, err := dst.Write(iv); err != nil {
		return 0, errs.New(errs.KindIO, "", err)
	}
	n, err := pump(dst, src, cipher.NewCTR(block, iv))
	return n + IVSize, err
}

// DecryptStream reads the IV prefix from src and decrypts the rest to
// dst. A wrong key produces garbage output, not an error here.
func DecryptStream(dst io.Writer, src io.Reader, key []byte) (int64, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return 0, errs.Newf(errs.KindCrypto, "", "ciphertext shorter than iv: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, errs.New(errs.KindCrypto, "", err)
	}
	return pump(dst, src, cipher.NewCTR(block, iv))
}

// pump copies src to dst through stream in bounded chunks so memory
// use is independent of file size.
func pump(dst io.Writer, src io.Reader, stream cipher.Stream) (int64, error) {
	buf := make([]byte, streamChunk)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, errs.New(errs.KindIO, "", werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errs.New(errs.KindIO, "", rerr)
		}
	}
}

// DecryptFileInPlace decrypts path by streaming into a sibling temp
// file and renaming over the original.
func DecryptFileInPlace(path string, key []byte) error {
	src, err := os.Open(path)
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".decrypt-*")
	if err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := DecryptStream(tmp, src, key); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.New(errs.KindIO, "", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	if err := src.Close(); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.New(errs.KindIO, "", err)
	}
	return nil
}
