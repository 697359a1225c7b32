package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mikeyg42/callsession/internal/callerr"
	"github.com/mikeyg42/callsession/internal/logging"
)

const errAccessToken = "failed to get access token"

// expirySkew refreshes credentials slightly before they actually expire.
const expirySkew = 30 * time.Second

// AccessRequest identifies who wants to join which room.
type AccessRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// Credential is an opaque room access token with its expiry, when known.
type Credential struct {
	Token     string
	Identity  string
	ExpiresAt time.Time
}

// Expired reports whether the credential should be refreshed before use.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-expirySkew))
}

// CredentialSource obtains room access tokens from a trusted issuer.
type CredentialSource interface {
	Token(ctx context.Context, req AccessRequest) (Credential, error)
}

// TokenClient fetches credentials over HTTP. The issuing secret lives only
// on the server; the client reads the expiry from the token without
// verifying it.
type TokenClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewTokenClient creates a client for endpoint. A non-empty identityToken
// is sent as a bearer token on every request.
func NewTokenClient(endpoint, identityToken string, logger *zap.Logger) *TokenClient {
	client := &http.Client{}
	if identityToken != "" {
		client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: identityToken,
			TokenType:   "Bearer",
		}))
	}
	client.Timeout = 15 * time.Second
	return &TokenClient{
		endpoint: endpoint,
		client:   client,
		logger:   logging.OrNop(logger).Named("token-client"),
	}
}

type tokenResponse struct {
	JWT string `json:"jwt"`
}

func (c *TokenClient) Token(ctx context.Context, req AccessRequest) (Credential, error) {
	const op = "transport.request_access"

	body, err := json.Marshal(req)
	if err != nil {
		return Credential{}, callerr.New(callerr.KindInternal, op, errAccessToken, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, callerr.New(callerr.KindInternal, op, errAccessToken, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Credential{}, callerr.Network(op, errAccessToken, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		c.logger.Warn("token request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("room", req.Room))
		return Credential{}, callerr.Network(op, errAccessToken, transient,
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, callerr.Network(op, errAccessToken, false, fmt.Errorf("decode response: %w", err))
	}
	if tr.JWT == "" {
		return Credential{}, callerr.Network(op, errAccessToken, false, fmt.Errorf("response has no jwt"))
	}

	cred := Credential{Token: tr.JWT, Identity: req.Identity}
	if exp, sub, ok := inspectToken(tr.JWT); ok {
		cred.ExpiresAt = exp
		if sub != "" {
			cred.Identity = sub
		}
	} else {
		c.logger.Debug("access token is not a readable jwt; expiry unknown")
	}
	return cred, nil
}

// inspectToken reads exp and sub without verifying the signature.
func inspectToken(token string) (time.Time, string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, "", false
	}
	var exp time.Time
	if t, err := claims.GetExpirationTime(); err == nil && t != nil {
		exp = t.Time
	}
	sub, _ := claims.GetSubject()
	return exp, sub, true
}
