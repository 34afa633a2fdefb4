package voicelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SessionNegotiator exchanges the long-lived API key for a short-lived
// scoped credential before the realtime channel opens.
type SessionNegotiator interface {
	Negotiate(ctx context.Context, model string, voice Voice) (*ScopedCredential, error)
}

// Negotiator is the HTTP implementation of SessionNegotiator. The API key
// travels only to the negotiation endpoint, never over the realtime
// channel, and no credential is ever cached: every Connect negotiates anew.
type Negotiator struct {
	endpoint string
	apiKey   string
	headers  map[string]string
	client   *http.Client
	logger   *Logger
}

func NewNegotiator(endpoint, apiKey string, headers map[string]string, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	return &Negotiator{
		endpoint: endpoint,
		apiKey:   apiKey,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		logger:   GetGlobalLogger().WithComponent("negotiator"),
	}
}

type negotiateRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type negotiateResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Error string `json:"error,omitempty"`
}

// Negotiate posts {model, voice} with the API key in the Authorization
// header and returns the scoped credential plus its expiry.
func (n *Negotiator) Negotiate(ctx context.Context, model string, voice Voice) (*ScopedCredential, error) {
	if n.apiKey == "" {
		return nil, NewAuthError("missing API key")
	}

	body, err := json.Marshal(negotiateRequest{Model: model, Voice: string(voice)})
	if err != nil {
		return nil, WrapError(err, "failed to encode negotiation request", ErrCodeUpstream)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(err, "failed to build negotiation request", ErrCodeUpstream)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, WrapError(err, "negotiation service unreachable", ErrCodeUpstream)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewAuthError(negotiationFailureText(raw, resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, NewUpstreamError(negotiationFailureText(raw, resp.Status)).
			AddDetail("status", resp.StatusCode)
	}

	var parsed negotiateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, WrapError(err, "malformed negotiation response", ErrCodeUpstream)
	}
	if parsed.ClientSecret.Value == "" {
		return nil, NewUpstreamError("negotiation response missing credential")
	}

	cred := &ScopedCredential{Token: parsed.ClientSecret.Value}
	if parsed.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	} else if exp, ok := tokenExpiry(cred.Token); ok {
		// Some deployments omit expires_at and rely on the JWT exp claim.
		cred.ExpiresAt = exp
	}

	n.logger.WithField("expires_at", cred.ExpiresAt).Debug("Negotiated scoped credential")
	return cred, nil
}

// negotiationFailureText extracts a human-readable message from a 4xx/5xx
// body, falling back to the HTTP status line.
func negotiationFailureText(body []byte, status string) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		return fmt.Sprintf("negotiation rejected: %s", text)
	}
	return fmt.Sprintf("negotiation rejected: %s", status)
}

// tokenExpiry parses the credential as a JWT without verifying it and
// returns the exp claim. Verification belongs to the upstream service;
// the client only needs the expiry for diagnostics.
func tokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		if v, err := exp.Int64(); err == nil {
			return time.Unix(v, 0), true
		}
	}
	return time.Time{}, false
}
