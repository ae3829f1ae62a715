package crypto

import (
	"errors"
	"testing"
)

func testCipher(t *testing.T, pass string) *Cipher {
	t.Helper()
	c, err := NewCipher(pass, "shop-salt")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestEncryptDecryptString(t *testing.T) {
	t.Parallel()
	c := testCipher(t, "pw")

	a, err := c.EncryptString("+254700000001")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	b, _ := c.EncryptString("+254700000001")
	if a == b {
		t.Fatalf("tokens must use fresh nonces")
	}

	got, err := c.DecryptString(a)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != "+254700000001" {
		t.Fatalf("got %q", got)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()
	tok, _ := testCipher(t, "pw").EncryptString("+1")
	if _, err := testCipher(t, "other").DecryptString(tok); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()
	c := testCipher(t, "pw")
	for _, tok := range []string{"not base64!", "c2hvcnQ="} {
		if _, err := c.DecryptString(tok); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecryptString(%q) err = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestDecryptList(t *testing.T) {
	t.Parallel()
	c := testCipher(t, "pw")
	joined, err := c.EncryptList([]string{"+1", "+2"})
	if err != nil {
		t.Fatalf("EncryptList: %v", err)
	}

	got, err := c.DecryptList(joined + ",")
	if err != nil {
		t.Fatalf("DecryptList: %v", err)
	}
	if len(got) != 2 || got[0] != "+1" || got[1] != "+2" {
		t.Fatalf("got %v", got)
	}
}

func TestNewCipherRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewCipher("", "salt"); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}
