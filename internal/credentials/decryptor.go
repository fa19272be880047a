// Package credentials decrypts data source credentials at use time.
//
// Credentials in data source configs are stored RSA-OAEP encrypted and
// base64 encoded; only the poller holds the private key and only for the
// duration of building a request. Plaintext credentials never land in the
// database or the logs.
package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Sentinel errors.
var (
	// ErrNoPrivateKey indicates no private key was configured.
	ErrNoPrivateKey = errors.New("no private key configured")

	// ErrInvalidKey indicates the key material could not be parsed.
	ErrInvalidKey = errors.New("invalid private key material")

	// ErrDecryptFailed indicates a ciphertext could not be decrypted with
	// the configured key.
	ErrDecryptFailed = errors.New("credential decryption failed")
)

// Decryptor recovers plaintext credentials from stored ciphertexts.
type Decryptor interface {
	// Decrypt decodes and decrypts one stored credential. An empty input
	// returns an empty string with no error, since most auth fields are
	// optional.
	Decrypt(ciphertext string) (string, error)
}

// RSADecryptor decrypts credentials with an RSA private key using OAEP
// with SHA-256.
type RSADecryptor struct {
	key *rsa.PrivateKey
}

var _ Decryptor = (*RSADecryptor)(nil)

// NewRSADecryptor parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func NewRSADecryptor(pemBytes []byte) (*RSADecryptor, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSADecryptor{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}

	return &RSADecryptor{key: key}, nil
}

// LoadRSADecryptor reads the private key from a PEM file on disk.
func LoadRSADecryptor(path string) (*RSADecryptor, error) {
	if path == "" {
		return nil, ErrNoPrivateKey
	}

	pemBytes, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	return NewRSADecryptor(pemBytes)
}

// Decrypt base64-decodes and RSA-OAEP-decrypts one credential.
func (d *RSADecryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.key, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}

// Encrypt is the inverse of Decrypt against the key's public half. The
// pipeline never stores credentials; this exists for the CRUD surface that
// does, and for tests.
func (d *RSADecryptor) Encrypt(plaintext string) (string, error) {
	raw, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &d.key.PublicKey, []byte(plaintext), nil)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Plaintext passes credentials through unchanged. Used in tests and for
// deployments that terminate credential encryption elsewhere.
type Plaintext struct{}

var _ Decryptor = Plaintext{}

// Decrypt returns the input unchanged.
func (Plaintext) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}
