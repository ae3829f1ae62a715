// Package crypto decrypts the member fields carried in channel metadata.
//
// Tokens are base64(nonce || XChaCha20-Poly1305 ciphertext) under a key
// derived from a shared passphrase: Argon2id stretches the passphrase and
// HKDF-SHA256 derives the field key from the result.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLen = chacha20poly1305.KeySize

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	fieldInfo = "posync member field v1"
)

// ErrMalformed is returned for tokens that are not valid ciphertexts.
var ErrMalformed = errors.New("malformed token")

// Cipher encrypts and decrypts string fields.
type Cipher struct {
	key []byte
}

// NewCipher derives the field key from passphrase and salt.
func NewCipher(passphrase, salt string) (*Cipher, error) {
	if passphrase == "" || salt == "" {
		return nil, errors.New("crypto: empty passphrase or salt")
	}
	master := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, keyLen)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(fieldInfo)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// EncryptString seals s under a random nonce.
func (c *Cipher) EncryptString(s string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(s)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(s), nil)), nil
}

// DecryptString opens a token produced by EncryptString.
func (c *Cipher) DecryptString(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plain), nil
}

// EncryptList encrypts each value and joins the tokens with commas.
func (c *Cipher) EncryptList(values []string) (string, error) {
	tokens := make([]string, 0, len(values))
	for _, v := range values {
		tok, err := c.EncryptString(v)
		if err != nil {
			return "", err
		}
		tokens = append(tokens, tok)
	}
	return strings.Join(tokens, ","), nil
}

// DecryptList splits a comma-joined token list and decrypts every entry.
// Empty entries are skipped.
func (c *Cipher) DecryptList(joined string) ([]string, error) {
	var out []string
	for i, tok := range strings.Split(joined, ",") {
		if strings.TrimSpace(tok) == "" {
			continue
		}
		v, err := c.DecryptString(tok)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
