package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/pbkdf2"

	"keeper_market/pkg/data"
)

// Decryptor recovers a seller credential from its stored ciphertext.
type Decryptor interface {
	Decrypt(ciphertext []byte, salt string) (string, error)
}

const (
	pbkdf2Iterations = 4096
	aesKeyLen        = 32
)

// AESCredentialBox encrypts and decrypts seller credentials with
// AES-256-GCM. The per-listing salt derives a distinct key from the
// master key, so one leaked listing key exposes nothing else.
type AESCredentialBox struct {
	masterKey []byte
}

var _ Decryptor = (*AESCredentialBox)(nil)

// NewAESCredentialBox creates a credential box from the master key
func NewAESCredentialBox(masterKey string) (*AESCredentialBox, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key cannot be empty")
	}
	return &AESCredentialBox{masterKey: []byte(masterKey)}, nil
}

// Encrypt seals a plaintext credential under the salt-derived key. The
// nonce is prepended to the returned ciphertext.
func (b *AESCredentialBox) Encrypt(plaintext, salt string) ([]byte, error) {
	if salt == "" {
		return nil, fmt.Errorf("credential salt cannot be empty")
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a stored credential ciphertext.
func (b *AESCredentialBox) Decrypt(ciphertext []byte, salt string) (string, error) {
	if salt == "" {
		return "", fmt.Errorf("credential salt cannot be empty")
	}
	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening credential: %w", err)
	}
	return string(plaintext), nil
}

func (b *AESCredentialBox) aead(salt string) (cipher.AEAD, error) {
	key := pbkdf2.Key(b.masterKey, []byte(salt), pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}

// injectCredential attaches the seller credential to the outbound
// request according to the listing's auth mode.
func injectCredential(req *http.Request, mode data.AuthMode, credential string) error {
	switch mode.Kind {
	case data.AuthHeaderKey:
		req.Header.Set(mode.Name, credential)
	case data.AuthQueryParam:
		q := req.URL.Query()
		q.Set(mode.Name, credential)
		req.URL.RawQuery = q.Encode()
	case data.AuthOAuth2Bearer:
		req.Header.Set("Authorization", "Bearer "+credential)
	default:
		return fmt.Errorf("%w: auth mode %q", ErrListingMisconfigured, mode.Kind)
	}
	return nil
}
