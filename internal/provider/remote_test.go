package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// walletDaemon is a minimal stand-in for the external signing daemon.
func walletDaemon(t *testing.T, mux map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	m := http.NewServeMux()
	for path, h := range mux {
		m.HandleFunc(path, h)
	}
	return httptest.NewServer(m)
}

func TestRemoteProvider_InstalledProbesHealth(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/health": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	if !p.Installed() {
		t.Error("Expected installed with a healthy daemon")
	}

	srv.Close()
	if p.Installed() {
		t.Error("Expected not installed once the daemon is gone")
	}
}

func TestRemoteProvider_ConnectAndSign(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/connect": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"publicKey": "wallet-addr-1"})
		},
		"/sign": func(w http.ResponseWriter, r *http.Request) {
			var in struct {
				Tx string `json:"tx"`
			}
			_ = json.NewDecoder(r.Body).Decode(&in)
			raw, _ := base64.StdEncoding.DecodeString(in.Tx)
			signed := append(raw, []byte("-signed")...)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"signed": base64.StdEncoding.EncodeToString(signed),
			})
		},
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	addr, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if addr != "wallet-addr-1" {
		t.Errorf("Expected wallet-addr-1, got %s", addr)
	}

	signed, err := p.SignTransaction(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("SignTransaction failed: %v", err)
	}
	if string(signed) != "payload-signed" {
		t.Errorf("Unexpected signed payload %q", signed)
	}
}

func TestRemoteProvider_UserRejection(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/sign": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	if _, err := p.SignTransaction(context.Background(), []byte("x")); !errors.Is(err, ErrUserRejected) {
		t.Errorf("Expected ErrUserRejected on 403, got %v", err)
	}
}

func TestRemoteProvider_DaemonFault(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/connect": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	if _, err := p.Connect(context.Background()); !errors.Is(err, ErrProviderFault) {
		t.Errorf("Expected ErrProviderFault on 500, got %v", err)
	}
}

func TestRemoteProvider_ConnectWithoutKey(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/connect": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{})
		},
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	if _, err := p.Connect(context.Background()); !errors.Is(err, ErrProviderFault) {
		t.Errorf("Expected ErrProviderFault for missing public key, got %v", err)
	}
}

func TestRemoteProvider_SignBatchLengthMismatch(t *testing.T) {
	srv := walletDaemon(t, map[string]http.HandlerFunc{
		"/sign-batch": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string][]string{"signed": {
				base64.StdEncoding.EncodeToString([]byte("only-one")),
			}})
		},
	})
	defer srv.Close()

	p := NewRemoteProvider("remote", srv.URL)
	_, err := p.SignAllTransactions(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if !errors.Is(err, ErrProviderFault) {
		t.Errorf("Expected ErrProviderFault on partial batch, got %v", err)
	}
}
