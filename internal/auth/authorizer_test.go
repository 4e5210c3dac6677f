package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAuthorizer_Authorize_Success(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1234.5678", r.FormValue("socket_id"))
		assert.Equal(t, "private-encrypted-room", r.FormValue("channel_name"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"auth":"key:abcd","channel_data":"{\"user_id\":\"1\"}","shared_secret":"` + secret + `"}`))
	}))
	defer server.Close()

	authorizer := NewHTTPAuthorizer(server.URL, 0, func() string { return "1234.5678" }, zerolog.Nop())
	result, err := authorizer.Authorize(context.Background(), "private-encrypted-room", nil)
	require.NoError(t, err)

	assert.Equal(t, "key:abcd", result.Auth)
	assert.JSONEq(t, `{"user_id":"1"}`, string(result.ChannelData))
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), result.SharedSecret)
}

func TestHTTPAuthorizer_Authorize_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	}))
	defer server.Close()

	authorizer := NewHTTPAuthorizer(server.URL, 0, func() string { return "1234.5678" }, zerolog.Nop())
	_, err := authorizer.Authorize(context.Background(), "private-room", nil)
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestHTTPAuthorizer_Authorize_MissingAuthField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	authorizer := NewHTTPAuthorizer(server.URL, 0, func() string { return "1234.5678" }, zerolog.Nop())
	_, err := authorizer.Authorize(context.Background(), "private-room", nil)
	require.Error(t, err)
}
