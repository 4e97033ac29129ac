package factory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Switchdotnew/switch-router-sub001/internal/credentials"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers"
	"github.com/Switchdotnew/switch-router-sub001/internal/providers/modelregistry"
)

func testFactory(t *testing.T) (*Factory, *credentials.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := credentials.NewRegistry(log)
	return New(creds, modelregistry.New(log)), creds
}

// modelsUpstream records the headers of the last /models probe.
func modelsUpstream(t *testing.T, got *http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuild_NamedStore(t *testing.T) {
	fac, creds := testFactory(t)
	if _, err := creds.Register(credentials.StoreConfig{
		Name:   "prod",
		Type:   "simple",
		Config: map[string]string{"apiKey": "named-store-key-123"},
	}); err != nil {
		t.Fatal(err)
	}

	var got http.Header
	srv := modelsUpstream(t, &got)

	adapter, err := fac.Build(&providers.Config{
		Name:           "primary",
		Kind:           "custom",
		CredentialsRef: "prod",
		APIBase:        srv.URL,
		ModelName:      "m",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := adapter.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if got.Get("x-api-key") != "named-store-key-123" {
		t.Errorf("expected x-api-key from named store, got %v", got)
	}
}

func TestBuild_InlineKeyBearer(t *testing.T) {
	fac, _ := testFactory(t)

	var got http.Header
	srv := modelsUpstream(t, &got)

	adapter, err := fac.Build(&providers.Config{
		Name:      "inline",
		Kind:      "custom",
		APIKey:    "sk-inline-test-key",
		APIBase:   srv.URL,
		ModelName: "m",
	})
	if err != nil {
		t.Fatalf("inline-key config must build without a registry entry: %v", err)
	}
	if err := adapter.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if got.Get("Authorization") != "Bearer sk-inline-test-key" {
		t.Errorf("sk- keys must go out as a bearer token, got %v", got)
	}
}

func TestBuild_InlineKeyAPIKeyHeader(t *testing.T) {
	fac, _ := testFactory(t)

	var got http.Header
	srv := modelsUpstream(t, &got)

	adapter, err := fac.Build(&providers.Config{
		Name:      "inline",
		Kind:      "custom",
		APIKey:    "plain-inline-key-123",
		APIBase:   srv.URL,
		ModelName: "m",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := adapter.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if got.Get("x-api-key") != "plain-inline-key-123" {
		t.Errorf("non-sk keys must go out as x-api-key, got %v", got)
	}
}

func TestBuild_UnknownStoreRef(t *testing.T) {
	fac, _ := testFactory(t)

	_, err := fac.Build(&providers.Config{
		Name:           "bad",
		Kind:           "custom",
		CredentialsRef: "missing",
		APIBase:        "http://localhost:1",
		ModelName:      "m",
	})
	if err == nil {
		t.Fatal("unknown store reference must fail")
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	fac, _ := testFactory(t)

	_, err := fac.Build(&providers.Config{
		Name:      "bad",
		Kind:      "telepathy",
		APIKey:    "sk-inline-test-key",
		ModelName: "m",
	})
	if err == nil {
		t.Fatal("unknown kind must fail")
	}
}
