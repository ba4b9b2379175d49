package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keeper_market/pkg/data"
)

func TestAESCredentialBox(t *testing.T) {
	box, err := NewAESCredentialBox("unit-test-master-key")
	require.NoError(t, err)

	t.Run("roundtrip", func(t *testing.T) {
		ciphertext, err := box.Encrypt("sk-seller-secret", "listing-salt")
		require.NoError(t, err)

		plaintext, err := box.Decrypt(ciphertext, "listing-salt")
		require.NoError(t, err)
		assert.Equal(t, "sk-seller-secret", plaintext)
	})

	t.Run("wrong salt fails", func(t *testing.T) {
		ciphertext, err := box.Encrypt("sk-seller-secret", "listing-salt")
		require.NoError(t, err)

		_, err = box.Decrypt(ciphertext, "other-salt")
		require.Error(t, err)
	})

	t.Run("wrong master key fails", func(t *testing.T) {
		ciphertext, err := box.Encrypt("sk-seller-secret", "listing-salt")
		require.NoError(t, err)

		other, err := NewAESCredentialBox("different-master-key")
		require.NoError(t, err)
		_, err = other.Decrypt(ciphertext, "listing-salt")
		require.Error(t, err)
	})

	t.Run("truncated ciphertext fails", func(t *testing.T) {
		_, err := box.Decrypt([]byte{0x01, 0x02}, "listing-salt")
		require.Error(t, err)
	})

	t.Run("empty master key rejected", func(t *testing.T) {
		_, err := NewAESCredentialBox("")
		require.Error(t, err)
	})
}

func TestInjectCredential(t *testing.T) {
	newReq := func(t *testing.T) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "https://api.example.com/v1/data?page=2", nil)
		req.URL.RawQuery = "page=2"
		return req
	}

	t.Run("header key", func(t *testing.T) {
		req := newReq(t)
		err := injectCredential(req, data.AuthMode{Kind: data.AuthHeaderKey, Name: "X-Api-Key"}, "secret")
		require.NoError(t, err)
		assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
	})

	t.Run("query param", func(t *testing.T) {
		req := newReq(t)
		err := injectCredential(req, data.AuthMode{Kind: data.AuthQueryParam, Name: "api_key"}, "secret")
		require.NoError(t, err)
		assert.Equal(t, "secret", req.URL.Query().Get("api_key"))
		assert.Equal(t, "2", req.URL.Query().Get("page"))
	})

	t.Run("oauth2 bearer", func(t *testing.T) {
		req := newReq(t)
		err := injectCredential(req, data.AuthMode{Kind: data.AuthOAuth2Bearer}, "token")
		require.NoError(t, err)
		assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
	})

	t.Run("unknown mode", func(t *testing.T) {
		req := newReq(t)
		err := injectCredential(req, data.AuthMode{Kind: "mtls"}, "secret")
		require.ErrorIs(t, err, ErrListingMisconfigured)
	})
}
