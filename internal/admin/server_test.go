package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portico/internal/broker"
	"portico/internal/client"
	"portico/internal/manifest"
	"portico/internal/qualifier"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	manifests := manifest.NewRegistry()
	apps := manifest.NewApplicationRegistry(manifests)
	require.NoError(t, apps.Register(manifest.ApplicationConfig{
		SymbolicName: "app-a",
		ManifestURL:  "https://app-a.example.com/manifest.json",
	}, &manifest.Manifest{
		Name: "App A",
		Capabilities: []manifest.Capability{
			{Type: "person", Qualifier: qualifier.Qualifier{"entity": "person"}},
			{Type: "map", Qualifier: qualifier.Qualifier{"entity": "map"}},
		},
		Intentions: []manifest.Intention{{Type: "auth"}},
	}))

	b := broker.New(broker.Config{}, apps, manifests)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })
	b.SetRunlevel(broker.RunlevelDispatch)
	return b
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	s := NewServer(newBroker(t), Config{})
	h := s.Handler()

	t.Run("health", func(t *testing.T) {
		require.Eventually(t, func() bool {
			rec := get(t, h, "/api/v1/health", "")
			var body map[string]any
			return rec.Code == http.StatusOK &&
				json.Unmarshal(rec.Body.Bytes(), &body) == nil &&
				body["status"] == "healthy"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("stats", func(t *testing.T) {
		rec := get(t, h, "/api/v1/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var stats broker.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, broker.RunlevelDispatch, stats.Runlevel)
		assert.Zero(t, stats.Clients)
	})

	t.Run("clients", func(t *testing.T) {
		rec := get(t, h, "/api/v1/clients", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var clients []client.Info
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clients))
		assert.Empty(t, clients)
	})

	t.Run("applications", func(t *testing.T) {
		rec := get(t, h, "/api/v1/applications", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var apps []manifest.Application
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
		require.Len(t, apps, 1)
		assert.Equal(t, "app-a", apps[0].SymbolicName)
		assert.Equal(t, []string{"https://app-a.example.com"}, apps[0].AllowedOrigins)
	})

	t.Run("capabilities filtered by type", func(t *testing.T) {
		rec := get(t, h, "/api/v1/capabilities?type=map", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var capabilities []manifest.Capability
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &capabilities))
		require.Len(t, capabilities, 1)
		assert.Equal(t, "app-a", capabilities[0].AppSymbolicName())
	})

	t.Run("intentions", func(t *testing.T) {
		rec := get(t, h, "/api/v1/intentions?app=unknown", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("cors preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/stats", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestAuthentication(t *testing.T) {
	s := NewServer(newBroker(t), Config{TokenSecret: "secret", TokenIssuer: "portico"})
	h := s.Handler()
	tokens := NewJWTService("secret", "portico", time.Hour)

	t.Run("health is public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health", "").Code)
	})

	t.Run("missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/v1/stats", "").Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := tokens.GenerateToken("operator")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/stats", token).Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTService("other", "portico", time.Hour).GenerateToken("operator")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/v1/clients", token).Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := NewJWTService("secret", "portico", -time.Minute).GenerateToken("operator")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/v1/clients", token).Code)
	})
}

func TestValidateToken(t *testing.T) {
	tokens := NewJWTService("secret", "portico", time.Hour)

	token, err := tokens.GenerateToken("operator")
	require.NoError(t, err)
	claims, err := tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, ScopeRead, claims.Scope)

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewJWTService("secret", "elsewhere", time.Hour).GenerateToken("operator")
		require.NoError(t, err)
		_, err = tokens.ValidateToken(other)
		assert.Error(t, err)
	})

	t.Run("wrong scope", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "portico", Subject: "x"},
			Scope:            "admin:write",
		})
		signed, err := raw.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = tokens.ValidateToken(signed)
		assert.Error(t, err)
	})
}
