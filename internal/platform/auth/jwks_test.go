package auth

import (
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

	"github.com/golang-jwt/jwt/v5"
)

func webKey(t *testing.T, kid string) (JSONWebKey, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return JSONWebKey{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}, key
}

func TestKeySet_RefreshesOnUnknownKid(t *testing.T) {
	k1, _ := webKey(t, "k1")
	k2, _ := webKey(t, "k2")
	var fetches int32
	// The second fetch serves the rotated set.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := JSONWebKeySet{Keys: []JSONWebKey{k1, {Kty: "EC", Kid: "ec"}}}
		if atomic.AddInt32(&fetches, 1) > 1 {
			doc.Keys = []JSONWebKey{k1, k2}
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	ks := NewKeySet(srv.URL, srv.Client())
	if _, err := ks.key("k1"); err != nil {
		t.Fatalf("key k1: %v", err)
	}
	if _, err := ks.key("k1"); err != nil || atomic.LoadInt32(&fetches) != 1 {
		t.Fatalf("cached key must not refetch: %v, %d fetches", err, atomic.LoadInt32(&fetches))
	}
	if _, err := ks.key("ec"); err == nil {
		t.Error("non-RSA keys are ignored")
	}

	// A new kid within the refresh window is not fetched yet.
	if _, err := ks.key("k2"); err == nil {
		t.Error("refresh is rate limited")
	}
	ks.fetchedAt = time.Now().Add(-keySetMinRefresh)
	if _, err := ks.key("k2"); err != nil {
		t.Fatalf("rotated key: %v", err)
	}
}

func TestKeySet_Keyfunc(t *testing.T) {
	ks := NewKeySet("http://127.0.0.1:0", nil)
	if _, err := ks.Keyfunc(&jwt.Token{Header: map[string]interface{}{}}); err == nil {
		t.Error("expected error for a token without kid")
	}
	if _, err := ks.Keyfunc(&jwt.Token{Header: map[string]interface{}{"kid": "x"}}); err == nil {
		t.Error("expected error when the key set cannot be fetched")
	}
}

func TestJSONWebKey_RejectsBadExponent(t *testing.T) {
	k, _ := webKey(t, "k")
	k.E = base64.RawURLEncoding.EncodeToString([]byte{1})
	if _, err := k.rsaPublicKey(); err == nil {
		t.Error("expected exponent error")
	}
	k.N = "!!"
	if _, err := k.rsaPublicKey(); err == nil {
		t.Error("expected modulus error")
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jwks_uri":"https://idp.example/keys"}`))
	})
	mux.HandleFunc("/empty/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := DiscoverJWKSURL(srv.Client(), srv.URL+"/good/")
	if err != nil || got != "https://idp.example/keys" {
		t.Fatalf("unexpected discovery %q, %v", got, err)
	}
	if _, err := DiscoverJWKSURL(srv.Client(), srv.URL+"/empty"); err == nil {
		t.Error("expected error for a document without jwks_uri")
	}
	if _, err := DiscoverJWKSURL(srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for a 404 discovery document")
	}
}
