package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignInAuthenticator_ParsesOpaqueUserData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"auth":"key:abcd","user_data":"{\"id\":\"u1\"}"}`))
	}))
	defer server.Close()

	a := &SignInAuthenticator{Endpoint: server.URL, SocketID: func() string { return "1.2" }, Logger: zerolog.Nop()}
	result, err := a.Authenticate(context.Background(), []byte(`{"id":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "key:abcd", result.Auth)
	assert.Nil(t, result.Claims)
}

func TestSignInAuthenticator_ParsesJWTUserData(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"})
	signed, err := token.SignedString([]byte("server-secret"))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"auth":"key:abcd","user_data":"` + signed + `"}`))
	}))
	defer server.Close()

	a := &SignInAuthenticator{Endpoint: server.URL, SocketID: func() string { return "1.2" }, Logger: zerolog.Nop()}
	result, err := a.Authenticate(context.Background(), []byte(`{"id":"u1"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Claims)
	assert.Equal(t, "u1", result.Claims["user_id"])
}

func TestSignInAuthenticator_MissingAuthFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	a := &SignInAuthenticator{Endpoint: server.URL, SocketID: func() string { return "1.2" }, Logger: zerolog.Nop()}
	_, err := a.Authenticate(context.Background(), []byte(`{}`))
	require.Error(t, err)
}
