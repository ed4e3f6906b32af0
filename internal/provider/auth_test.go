package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/geocommander/internal/domain"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func tokenServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("assertion"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	}))
}

func TestAuthRequiresCredentials(t *testing.T) {
	_, err := NewServiceAccountAuth(&domain.ProviderConfig{})
	assert.Error(t, err)
}

func TestAuthFromEmailAndKey(t *testing.T) {
	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{
		ClientEmail: "svc@project.iam.gserviceaccount.com",
		PrivateKey:  testPrivateKeyPEM(t),
		ProjectID:   "my-project",
	})
	require.NoError(t, err)
	assert.Equal(t, "my-project", auth.ProjectID())
}

func TestAuthUnescapesNewlines(t *testing.T) {
	escaped := strings.ReplaceAll(testPrivateKeyPEM(t), "\n", `\n`)
	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{
		ClientEmail: "svc@project.iam.gserviceaccount.com",
		PrivateKey:  escaped,
	})
	require.NoError(t, err)
	assert.Contains(t, auth.creds.PrivateKey, "\nMII")
}

func TestAuthFromInlineJSON(t *testing.T) {
	sa, err := json.Marshal(map[string]string{
		"client_email": "svc@project.iam.gserviceaccount.com",
		"private_key":  testPrivateKeyPEM(t),
		"project_id":   "json-project",
	})
	require.NoError(t, err)

	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{ServiceAccountJSON: string(sa)})
	require.NoError(t, err)
	assert.Equal(t, "json-project", auth.ProjectID())
}

func TestAuthFromFile(t *testing.T) {
	sa, err := json.Marshal(map[string]string{
		"client_email": "svc@project.iam.gserviceaccount.com",
		"private_key":  testPrivateKeyPEM(t),
		"project_id":   "file-project",
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, sa, 0600))

	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{ServiceAccountJSON: path})
	require.NoError(t, err)
	assert.Equal(t, "file-project", auth.ProjectID())
}

func TestTokenCachedUntilNearExpiry(t *testing.T) {
	var calls atomic.Int64
	server := tokenServer(t, &calls)
	defer server.Close()

	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{
		ClientEmail: "svc@project.iam.gserviceaccount.com",
		PrivateKey:  testPrivateKeyPEM(t),
	})
	require.NoError(t, err)
	auth.tokenURL = server.URL

	now := time.Now()
	auth.now = func() time.Time { return now }

	token, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)

	// Well inside the validity window: cached.
	now = now.Add(30 * time.Minute)
	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Within a minute of expiry: renewed.
	now = now.Add(29*time.Minute + 30*time.Second)
	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenExchangeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{
		ClientEmail: "svc@project.iam.gserviceaccount.com",
		PrivateKey:  testPrivateKeyPEM(t),
	})
	require.NoError(t, err)
	auth.tokenURL = server.URL

	_, err = auth.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestAssertionClaims(t *testing.T) {
	pemKey := testPrivateKeyPEM(t)
	auth, err := NewServiceAccountAuth(&domain.ProviderConfig{
		ClientEmail: "svc@project.iam.gserviceaccount.com",
		PrivateKey:  pemKey,
	})
	require.NoError(t, err)

	issued := time.Unix(1700000000, 0)
	auth.now = func() time.Time { return issued }

	signed, err := auth.assertion()
	require.NoError(t, err)

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(token *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return issued }))
	require.NoError(t, err)

	assert.Equal(t, "svc@project.iam.gserviceaccount.com", claims["iss"])
	assert.Equal(t, "svc@project.iam.gserviceaccount.com", claims["sub"])
	assert.Equal(t, googleTokenURL, claims["aud"])
	assert.Equal(t, cloudScope, claims["scope"])
	assert.Equal(t, float64(issued.Unix()), claims["iat"])
	assert.Equal(t, float64(issued.Add(time.Hour).Unix()), claims["exp"])
}
