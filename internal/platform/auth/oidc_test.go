package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiscoverOIDC(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":         srv.URL,
			"token_endpoint": srv.URL + "/token",
			"jwks_uri":       srv.URL + "/jwks",
		})
	}))
	defer srv.Close()

	p, err := DiscoverOIDC(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.JWKSURI != srv.URL+"/jwks" {
		t.Errorf("unexpected jwks_uri %q", p.JWKSURI)
	}
}

func TestDiscoverOIDC_MissingJWKSURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer srv.Close()

	if _, err := DiscoverOIDC(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

func jwksServer(t *testing.T, kid string, key *rsa.PublicKey, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
}

func TestJWKSCache_FetchAndCache(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var hits int32
	srv := jwksServer(t, "k1", &priv.PublicKey, &hits)
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	key, err := cache.GetKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if key.N.Cmp(priv.PublicKey.N) != 0 || key.E != priv.PublicKey.E {
		t.Error("fetched key does not match")
	}
	if _, err := cache.GetKey(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected one fetch, got %d", hits)
	}
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	var hits int32
	srv := jwksServer(t, "k1", &priv.PublicKey, &hits)
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	if _, err := cache.GetKey(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute)
	if _, err := cache.GetKey(context.Background(), "k1"); err == nil {
		t.Fatal("expected error on upstream failure")
	}
}

func TestRSAKey_InvalidModulus(t *testing.T) {
	if _, err := rsaKey(JWKSKey{N: "!!!", E: "AQAB"}); err == nil {
		t.Error("expected error for bad modulus")
	}
}

func TestResolveJWKS_FromIssuer(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/keys"})
	}))
	defer srv.Close()

	cfg, err := ResolveJWKS(context.Background(), JWTConfig{Issuer: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWKSURL != srv.URL+"/keys" {
		t.Errorf("unexpected jwks url %q", cfg.JWKSURL)
	}
}

func TestResolveJWKS_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := ResolveJWKS(context.Background(), JWTConfig{Issuer: srv.URL}); err == nil {
		t.Fatal("expected discovery failure to be reported")
	}
	if _, err := ResolveJWKS(context.Background(), JWTConfig{}); err == nil {
		t.Fatal("expected error with no key source")
	}
}

func TestResolveJWKS_ExplicitSourcesUntouched(t *testing.T) {
	cfg, err := ResolveJWKS(context.Background(), JWTConfig{Issuer: "http://127.0.0.1:1", JWKSURL: "https://idp/keys"})
	if err != nil || cfg.JWKSURL != "https://idp/keys" {
		t.Errorf("expected configured url kept, got %q (%v)", cfg.JWKSURL, err)
	}
	if _, err := ResolveJWKS(context.Background(), JWTConfig{Issuer: "http://127.0.0.1:1", SigningKey: testSigningKey}); err != nil {
		t.Errorf("static key should not need discovery: %v", err)
	}
}
