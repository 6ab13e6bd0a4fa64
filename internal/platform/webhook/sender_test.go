package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/platform/auth"
)

func signingConfig() auth.HMACConfig {
	cfg := auth.DefaultHMACConfig()
	cfg.RequireBearer = false
	cfg.ClientID = "gateway"
	cfg.ClientSecret = "shared-secret"
	return cfg
}

func TestNextAttemptDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, 2 * time.Minute},
		{3, 10 * time.Minute},
		{4, 30 * time.Minute},
		{5, time.Hour},
		{9, time.Hour},
	}
	for _, tt := range tests {
		if got := NextAttemptDelay(tt.attempts); got != tt.want {
			t.Errorf("NextAttemptDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestValidateTargetURL(t *testing.T) {
	valid := []string{"https://emr.example.org/cb", "http://localhost:9000/hook?x=1"}
	for _, u := range valid {
		if err := ValidateTargetURL(u); err != nil {
			t.Errorf("%s: unexpected error %v", u, err)
		}
	}
	invalid := []string{"", "ftp://emr/cb", "/relative/path", "https://", "::bad"}
	for _, u := range invalid {
		if err := ValidateTargetURL(u); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}

// The receiving side runs the gateway's own verification middleware.
func TestSender_DeliverVerifiesOnReceiver(t *testing.T) {
	cfg := signingConfig()
	e := echo.New()
	var got string
	e.POST("/emr/callback", func(c echo.Context) error {
		b, _ := io.ReadAll(c.Request().Body)
		got = string(b)
		return c.NoContent(http.StatusNoContent)
	}, auth.HMACMiddleware(cfg, auth.NewMemoryNonceCache(), zerolog.Nop()))
	srv := httptest.NewServer(e)
	defer srv.Close()

	s := NewSender(cfg)
	attempt := s.Deliver(context.Background(), srv.URL+"/emr/callback", []byte(`{"transactionId":"T1"}`))
	if !attempt.Succeeded() {
		t.Fatalf("expected success, got %+v (%s)", attempt, attempt.ErrorText())
	}
	if attempt.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", attempt.StatusCode)
	}
	if got != `{"transactionId":"T1"}` {
		t.Errorf("receiver saw body %q", got)
	}
}

func TestSender_Non2xxCapturesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	attempt := NewSender(signingConfig()).Deliver(context.Background(), srv.URL, []byte(`{}`))
	if attempt.Succeeded() {
		t.Fatal("expected failure")
	}
	if attempt.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", attempt.StatusCode)
	}
	if len(attempt.ResponseBody) != maxResponseBody {
		t.Errorf("expected body truncated to %d, got %d", maxResponseBody, len(attempt.ResponseBody))
	}
	if attempt.ErrorText() != "non-2xx response: 502" {
		t.Errorf("unexpected error text %q", attempt.ErrorText())
	}
}

func TestSender_ResponseBodyIsStorableText(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"rune split by truncation", http.StatusBadGateway, "x" + strings.Repeat("é", 600), "x" + strings.Repeat("é", 511)},
		{"gzip bytes", http.StatusInternalServerError, "\x1f\x8b\x08\x00\x00\x00\x00\x00\x00\x03ok", "\x1f\uFFFD\b\x03ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			attempt := NewSender(signingConfig()).Deliver(context.Background(), srv.URL, []byte(`{}`))
			if attempt.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, attempt.StatusCode)
			}
			if !utf8.ValidString(attempt.ResponseBody) {
				t.Error("response body is not valid UTF-8")
			}
			if strings.ContainsRune(attempt.ResponseBody, 0) {
				t.Error("response body contains NUL")
			}
			if attempt.ResponseBody != tt.want {
				t.Errorf("got %q, want %q", attempt.ResponseBody, tt.want)
			}
		})
	}
}

func TestSender_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	attempt := NewSender(signingConfig(), WithHTTPClient(&http.Client{Timeout: time.Second})).
		Deliver(context.Background(), target, []byte(`{}`))
	if attempt.Err == nil {
		t.Fatal("expected transport error")
	}
	if attempt.Succeeded() {
		t.Error("transport error cannot succeed")
	}
}

func TestSender_UnsignedWithoutCredentials(t *testing.T) {
	var sigHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get(auth.DefaultSignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	attempt := NewSender(auth.DefaultHMACConfig()).Deliver(context.Background(), srv.URL, []byte(`{}`))
	if !attempt.Succeeded() {
		t.Fatalf("unexpected failure: %s", attempt.ErrorText())
	}
	if sigHeader != "" {
		t.Errorf("expected no signature header, got %q", sigHeader)
	}
}
