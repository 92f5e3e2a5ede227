package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryption indicates that an envelope could not be opened. It is never
// recovered from: a failed decryption always propagates to the caller.
var ErrDecryption = errors.New("decryption failed")

const (
	// envelopePrefix marks encrypted content: v<keyVersion>:<iv>:<ciphertext>.
	envelopePrefix = "v"

	// kdfIterations is the PBKDF2 round count for key derivation.
	kdfIterations = 10_000
)

// Encryptor seals and opens the content envelope using AES-GCM with a key
// derived from (key, salt) via PBKDF2-SHA256.
type Encryptor struct {
	aead       cipher.AEAD
	keyVersion int
}

// NewEncryptor derives the content key and prepares the AEAD. keyVersion
// identifies the (key, salt) generation and is embedded in every envelope.
func NewEncryptor(key, salt string, keyVersion int) (*Encryptor, error) {
	if key == "" || salt == "" {
		return nil, fmt.Errorf("%w: empty key or salt", ErrDecryption)
	}
	derived := pbkdf2.Key([]byte(key), []byte(salt), kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead, keyVersion: keyVersion}, nil
}

// KeyVersion returns the key generation envelopes are sealed with.
func (e *Encryptor) KeyVersion() int { return e.keyVersion }

// Encrypt seals plaintext into a "v<keyVersion>:<iv>:<ciphertext>" envelope.
// The iv and ciphertext are base64 raw-url encoded.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ct := e.aead.Seal(nil, iv, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d:%s:%s",
		envelopePrefix,
		e.keyVersion,
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ct),
	), nil
}

// Decrypt opens an envelope produced by Encrypt. Content without the
// envelope prefix is returned unchanged, so plaintext rows written before
// encryption was enabled stay readable.
func (e *Encryptor) Decrypt(content string) (string, error) {
	version, iv, ct, ok := splitEnvelope(content)
	if !ok {
		return content, nil
	}
	if version != e.keyVersion {
		return "", fmt.Errorf("%w: key version %d, have %d", ErrDecryption, version, e.keyVersion)
	}
	ivB, err := base64.RawURLEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	ctB, err := base64.RawURLEncoding.DecodeString(ct)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	pt, err := e.aead.Open(nil, ivB, ctB, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(pt), nil
}

// IsEnvelope reports whether content carries the encryption envelope prefix.
func IsEnvelope(content string) bool {
	_, _, _, ok := splitEnvelope(content)
	return ok
}

// splitEnvelope parses "v<n>:<iv>:<ct>". A malformed prefix is treated as
// plaintext, not as an error.
func splitEnvelope(content string) (version int, iv, ct string, ok bool) {
	if !strings.HasPrefix(content, envelopePrefix) {
		return 0, "", "", false
	}
	parts := strings.SplitN(content, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(parts[0], envelopePrefix))
	if err != nil || n < 1 {
		return 0, "", "", false
	}
	return n, parts[1], parts[2], true
}
