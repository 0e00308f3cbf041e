package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestDirectKeyRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	secret := base64.StdEncoding.EncodeToString(raw)

	v, err := New(secret, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := v.EncryptString("sk-super-secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if strings.Contains(ct, "sk-super-secret") {
		t.Error("plaintext visible in ciphertext")
	}

	pt, err := v.DecryptString(ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != "sk-super-secret" {
		t.Errorf("round trip = %q", pt)
	}
}

func TestPassphraseRequiresSalt(t *testing.T) {
	if _, err := New("just-a-passphrase", ""); err == nil {
		t.Error("expected error for passphrase without salt")
	}
	if _, err := New("just-a-passphrase", "some-salt"); err != nil {
		t.Errorf("New with salt: %v", err)
	}
	if _, err := New("", "salt"); !errors.Is(err, ErrNoSecret) {
		t.Errorf("err = %v, want ErrNoSecret", err)
	}
}

func TestPassphraseDeterministic(t *testing.T) {
	a, _ := New("passphrase", "salt")
	b, _ := New("passphrase", "salt")

	ct, err := a.EncryptString("material")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.DecryptString(ct)
	if err != nil {
		t.Fatalf("decrypt with re-derived key: %v", err)
	}
	if pt != "material" {
		t.Errorf("round trip = %q", pt)
	}

	// Different salt derives a different key.
	c, _ := New("passphrase", "other-salt")
	if _, err := c.DecryptString(ct); err == nil {
		t.Error("decrypt with wrong salt must fail")
	}
}

func TestTamperedCiphertextRejected(t *testing.T) {
	v, _ := New("passphrase", "salt")
	ct, _ := v.Encrypt([]byte("material"))

	ct[len(ct)-1] ^= 0xff
	if _, err := v.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}

	if _, err := v.Decrypt([]byte("short")); !errors.Is(err, ErrCiphertext) {
		t.Errorf("err = %v, want ErrCiphertext", err)
	}
}

func TestNoncesAreUnique(t *testing.T) {
	v, _ := New("passphrase", "salt")
	a, _ := v.EncryptString("same input")
	b, _ := v.EncryptString("same input")
	if a == b {
		t.Error("identical ciphertexts; nonce reuse")
	}
}
