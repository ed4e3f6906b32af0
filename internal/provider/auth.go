package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/joss/geocommander/internal/domain"
)

const (
	googleTokenURL = "https://oauth2.googleapis.com/token"
	cloudScope     = "https://www.googleapis.com/auth/cloud-platform"
)

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

// ServiceAccountAuth exchanges a service-account key for short-lived
// bearer tokens via the JWT-bearer grant. Tokens are cached until one
// minute before expiry; renewal is serialized so concurrent turns share
// one exchange.
type ServiceAccountAuth struct {
	creds  serviceAccount
	client HTTPClient

	tokenURL string
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewServiceAccountAuth builds an authenticator from a provider config.
// Exactly one credential source must be present: a service-account
// bundle (file path or inline JSON) or an explicit email + private key.
func NewServiceAccountAuth(cfg *domain.ProviderConfig) (*ServiceAccountAuth, error) {
	a := &ServiceAccountAuth{
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: googleTokenURL,
		now:      time.Now,
	}

	switch {
	case cfg.ServiceAccountJSON != "":
		raw := []byte(cfg.ServiceAccountJSON)
		if data, err := os.ReadFile(cfg.ServiceAccountJSON); err == nil {
			raw = data
		}
		if err := json.Unmarshal(raw, &a.creds); err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
	case cfg.ClientEmail != "" && cfg.PrivateKey != "":
		a.creds = serviceAccount{
			ClientEmail: cfg.ClientEmail,
			PrivateKey:  strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n"),
			ProjectID:   cfg.ProjectID,
		}
	default:
		return nil, fmt.Errorf("vertex auth requires a service account JSON or email + private key")
	}

	if a.creds.ClientEmail == "" || a.creds.PrivateKey == "" {
		return nil, fmt.Errorf("service account is missing client_email or private_key")
	}

	return a, nil
}

// ProjectID returns the project bound to the credentials, if any.
func (a *ServiceAccountAuth) ProjectID() string {
	return a.creds.ProjectID
}

// assertion builds the signed RS256 JWT presented to the token endpoint.
func (a *ServiceAccountAuth) assertion() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.creds.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	now := a.now()
	claims := jwt.MapClaims{
		"iss":   a.creds.ClientEmail,
		"sub":   a.creds.ClientEmail,
		"aud":   googleTokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": cloudScope,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Token returns a valid bearer token, renewing it when within a minute
// of expiry.
func (a *ServiceAccountAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expiry.Add(-time.Minute)) {
		return a.token, nil
	}

	assertion, err := a.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("unmarshal token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	a.token = payload.AccessToken
	a.expiry = a.now().Add(time.Duration(expiresIn) * time.Second)
	return a.token, nil
}
