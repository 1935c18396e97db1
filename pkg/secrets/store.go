package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/crypto/hkdf"

	dErrors "kycgate/pkg/domain-errors"
)

// MinMasterSecretLength is the minimum master secret size in bytes.
const MinMasterSecretLength = 32

const (
	envelopeV1 = "v1:"
	hkdfSalt   = "kycgate/secrets/v1"
)

// Store encrypts sensitive fields and derives the keyed digests used for
// matching and OTP verification. Safe for concurrent use.
type Store struct {
	aead     cipher.AEAD
	indexKey []byte
	otpKey   []byte
}

// NewStore derives all sub-keys from master.
func NewStore(master Secret) (*Store, error) {
	raw := master.Reveal()
	if len(raw) < MinMasterSecretLength {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("master secret must be at least %d bytes", MinMasterSecretLength))
	}

	encKey, err := derive(raw, "field-encryption")
	if err != nil {
		return nil, err
	}
	indexKey, err := derive(raw, "blind-index")
	if err != nil {
		return nil, err
	}
	otpKey, err := derive(raw, "otp-digest")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Store{aead: aead, indexKey: indexKey, otpKey: otpKey}, nil
}

func derive(master []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// Encrypt seals plaintext into a "v1:" envelope: base64(nonce || ciphertext).
// The same plaintext encrypts differently every time.
func (s *Store) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopeV1 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed, truncated or
// tampered input fails with CodeDecryptionFailed and no plaintext.
func (s *Store) Decrypt(envelope string) (string, error) {
	body, ok := strings.CutPrefix(envelope, envelopeV1)
	if !ok {
		return "", dErrors.New(dErrors.CodeDecryptionFailed, "unsupported ciphertext version")
	}
	sealed, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "ciphertext is not valid base64")
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return "", dErrors.New(dErrors.CodeDecryptionFailed, "ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeDecryptionFailed, "ciphertext authentication failed")
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value carries a known envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopeV1)
}

// BlindIndex returns the keyed digest of a normalized (type, number) pair.
// Equal documents yield equal indexes regardless of case, spacing or
// punctuation; the index cannot be reversed without the key.
func (s *Store) BlindIndex(documentType, documentNumber string) string {
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(NormalizeDocumentType(documentType)))
	mac.Write([]byte{':'})
	mac.Write([]byte(NormalizeDocumentNumber(documentNumber)))
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestOTP returns the keyed digest stored in place of a one-time code.
// binding ties the digest to one code record so digests are not reusable
// across records.
func (s *Store) DigestOTP(binding, code string) string {
	mac := hmac.New(sha256.New, s.otpKey)
	mac.Write([]byte(binding))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualOTP compares a candidate code against a stored digest in constant time.
func (s *Store) EqualOTP(digest, binding, candidate string) bool {
	want := s.DigestOTP(binding, candidate)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}

// NormalizeDocumentType upper-cases and trims a document type.
func NormalizeDocumentType(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// NormalizeDocumentNumber keeps letters and digits only, upper-cased.
func NormalizeDocumentNumber(n string) string {
	var b strings.Builder
	b.Grow(len(n))
	for _, r := range n {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
