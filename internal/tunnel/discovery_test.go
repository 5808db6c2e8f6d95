package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverFallsBackToDefaultsWhenUnreachable(t *testing.T) {
	got := discover(context.Background(), http.DefaultClient, "http://127.0.0.1:1")
	require.Equal(t, defaultWSPath, got.TunnelWSPath)
	require.Equal(t, defaultDomainTemplate, got.TunnelDomainTemplate)
}

func TestDiscoverFallsBackOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	got := discover(context.Background(), http.DefaultClient, srv.URL)
	require.Equal(t, defaultWSPath, got.TunnelWSPath)
}

func TestDiscoverUsesServerOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tunnel/config", r.URL.Path)
		json.NewEncoder(w).Encode(discoveryResponse{
			TunnelWSPath:         "/custom/connect",
			TunnelDomainTemplate: "{protocol}://{subdomain}.example.com/",
		})
	}))
	defer srv.Close()

	got := discover(context.Background(), http.DefaultClient, srv.URL)
	require.Equal(t, "/custom/connect", got.TunnelWSPath)
	require.Equal(t, "{protocol}://{subdomain}.example.com/", got.TunnelDomainTemplate)
}

func TestConnectURLMapsSchemeAndCarriesQueryParams(t *testing.T) {
	u, err := connectURL("https://relay.example.com", defaultWSPath, "tok", "abc123")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/tunnel/connect?subdomain=abc123&token=tok", u)
}

func TestConnectURLMapsHTTPToWS(t *testing.T) {
	u, err := connectURL("http://relay.example.com", defaultWSPath, "", "abc123")
	require.NoError(t, err)
	require.Equal(t, "ws://relay.example.com/tunnel/connect?subdomain=abc123", u)
}

func TestPublicURLSubstitutesTemplate(t *testing.T) {
	got := PublicURL("https://relay.example.com", defaultDomainTemplate, "abc123")
	require.Equal(t, "https://relay.example.com/t/abc123/", got)
}
