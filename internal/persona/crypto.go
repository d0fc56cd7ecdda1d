package persona

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// encPrefix is the versioned format external interfaces specify for
// persona env-var secrets at rest: enc:v1:<iv>:<tag>:<ciphertext>, all
// base64-std-encoded. AES-256-GCM folds the tag into the sealed output, so
// we split it back out on decrypt to keep the on-disk format stable even
// if we ever swap the underlying cipher.
const encPrefix = "enc:v1:"

const gcmTagSize = 16

// Sealer encrypts and decrypts persona env-var secrets with a single
// 32-byte key, shared by every persona in the store.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256-GCM sealer from key. key must decode (as
// base64) or itself be exactly 32 bytes; this mirrors the flexibility the
// plugin config's "string config value as secret" idiom had, while forcing
// strong keys.
func NewSealer(key string) (*Sealer, error) {
	raw := []byte(key)
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && len(decoded) == 32 {
		raw = decoded
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("persona secret key must be 32 bytes (got %d); provide raw 32 bytes or base64 of 32 bytes", len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build gcm")
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext into the enc:v1:<iv>:<tag>:<ciphertext> format.
func (s *Sealer) Seal(plaintext string) (string, error) {
	iv := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Wrap(err, "failed to generate iv")
	}
	sealed := s.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return encPrefix +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(tag) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value previously produced by Seal. If value does not
// carry the enc:v1: prefix, it is returned unchanged: this lets operators
// drop plaintext secrets into a persona during bootstrap before the store
// re-encrypts them on first write.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(value, encPrefix), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed encrypted secret")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.Wrap(err, "malformed iv")
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.Wrap(err, "malformed tag")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", errors.Wrap(err, "malformed ciphertext")
	}
	sealed := append(ciphertext, tag...)
	plaintext, err := s.gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt secret")
	}
	return string(plaintext), nil
}
