package cryptoutil

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	k1, err := DeriveKey("correct horse", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveKey("correct horse", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("same password and salt produced different keys")
	}
	k3, err := DeriveKey("wrong horse", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("different passwords produced the same key")
	}
}

func TestDeriveKeyRejectsEmptyPassword(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := DeriveKey("", salt, 1000); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := make([]byte, 300*1024) // spans multiple chunks
	if _, err := rand.Read(plain); err != nil {
		t.Fatalf("rand: %v", err)
	}
	salt, _ := NewSalt()
	key, err := DeriveKey("hunter2", salt, 1000)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	var ciphertext bytes.Buffer
	n, err := EncryptStream(&ciphertext, bytes.NewReader(plain), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if n != int64(len(plain))+IVSize {
		t.Fatalf("ciphertext size = %d, want %d", n, len(plain)+IVSize)
	}
	if bytes.Contains(ciphertext.Bytes(), plain[:64]) {
		t.Fatalf("ciphertext contains plaintext prefix")
	}

	var decrypted bytes.Buffer
	if _, err := DecryptStream(&decrypted, bytes.NewReader(ciphertext.Bytes()), key); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plain) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecryptWithWrongKeyYieldsGarbageNotError(t *testing.T) {
	salt, _ := NewSalt()
	key, _ := DeriveKey("right", salt, 1000)
	wrong, _ := DeriveKey("wrong", salt, 1000)

	plain := []byte("the exact original plaintext bytes")
	var ciphertext bytes.Buffer
	if _, err := EncryptStream(&ciphertext, bytes.NewReader(plain), key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// CTR has no auth tag: a wrong key must decrypt without error and
	// produce bytes that differ from the plaintext. The checksum layer
	// is responsible for catching this.
	var decrypted bytes.Buffer
	if _, err := DecryptStream(&decrypted, bytes.NewReader(ciphertext.Bytes()), wrong); err != nil {
		t.Fatalf("decrypt with wrong key errored: %v", err)
	}
	if bytes.Equal(decrypted.Bytes(), plain) {
		t.Fatalf("wrong key reproduced the plaintext")
	}
}

func TestFreshIVPerStream(t *testing.T) {
	salt, _ := NewSalt()
	key, _ := DeriveKey("pw", salt, 1000)
	plain := []byte("same input twice")

	var c1, c2 bytes.Buffer
	if _, err := EncryptStream(&c1, bytes.NewReader(plain), key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := EncryptStream(&c2, bytes.NewReader(plain), key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(c1.Bytes()[:IVSize], c2.Bytes()[:IVSize]) {
		t.Fatalf("iv reused across streams")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plain := []byte("backup:\n  output_dir: /tmp/backups\n")
	sealed, err := EncryptConfig(plain, key)
	if err != nil {
		t.Fatalf("encrypt config: %v", err)
	}
	opened, err := DecryptConfig(sealed, key)
	if err != nil {
		t.Fatalf("decrypt config: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("config round trip mismatch")
	}

	bad := make([]byte, 32)
	if _, err := DecryptConfig(sealed, bad); err == nil {
		t.Fatalf("expected error for wrong config key")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	salt, _ := NewSalt()
	if err := WriteHeader(dir, NewHeader(salt, "metadata.json")); err != nil {
		t.Fatalf("write header: %v", err)
	}
	h, ok, err := ReadHeader(dir)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !ok {
		t.Fatalf("expected header to exist")
	}
	got, err := h.SaltBytes()
	if err != nil {
		t.Fatalf("salt bytes: %v", err)
	}
	if !bytes.Equal(got, salt) {
		t.Fatalf("salt mismatch")
	}
	if h.Iterations != KDFIterations {
		t.Fatalf("iterations = %d", h.Iterations)
	}

	_, ok, err = ReadHeader(t.TempDir())
	if err != nil || ok {
		t.Fatalf("expected absent header, ok=%v err=%v", ok, err)
	}
}
