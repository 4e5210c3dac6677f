package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// SignInResult is the outcome of the user-authentication flow (spec §12
// supplemented feature): the channel-auth-style signature the client
// includes on the outbound pusher:signin frame, the raw user_data the
// server echoed back, and the parsed claims of the JWT it carries, when
// present.
type SignInResult struct {
	Auth     string
	UserData []byte
	Claims   jwt.MapClaims
}

type signInResponse struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data,omitempty"`
}

// SignInAuthenticator performs the v7 user-authentication round-trip
// against user_auth_endpoint, distinct from per-channel authorization.
type SignInAuthenticator struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration
	SocketID func() string
	Logger   zerolog.Logger

	// Keyfunc, if set, verifies the JWT's signature; otherwise claims are
	// parsed without verification (the client has no independent way to
	// validate a token signed by the application's own key unless the
	// deployment shares a verification key out of band).
	Keyfunc jwt.Keyfunc
}

// Authenticate implements the signin flow: POST socket_id and the
// caller-supplied user_data to user_auth_endpoint.
func (s *SignInAuthenticator) Authenticate(ctx context.Context, userData json.RawMessage) (SignInResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := url.Values{}
	if s.SocketID != nil {
		form.Set("socket_id", s.SocketID())
	}
	form.Set("user_data", string(userData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SignInResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return SignInResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SignInResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SignInResult{}, &HTTPStatusError{Channel: "$signin", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed signInResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return SignInResult{}, fmt.Errorf("parsing signin response: %w", err)
	}
	if parsed.Auth == "" {
		return SignInResult{}, fmt.Errorf("signin response is missing \"auth\"")
	}

	result := SignInResult{Auth: parsed.Auth, UserData: []byte(parsed.UserData)}
	if parsed.UserData != "" && looksLikeJWT(parsed.UserData) {
		claims, err := s.parseClaims(parsed.UserData)
		if err != nil {
			s.Logger.Debug().Err(err).Msg("signin user_data did not parse as a JWT, treating it as opaque")
		} else {
			result.Claims = claims
		}
	}
	return result, nil
}

func (s *SignInAuthenticator) parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if s.Keyfunc != nil {
		if _, err := jwt.ParseWithClaims(token, claims, s.Keyfunc); err != nil {
			return nil, err
		}
		return claims, nil
	}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// looksLikeJWT is a cheap structural check (three dot-separated segments)
// so plain opaque user_data strings aren't forced through the JWT parser.
func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
