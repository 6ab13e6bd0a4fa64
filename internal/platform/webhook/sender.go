// Package webhook delivers signed JSON notifications to EMR callback
// endpoints and defines the retry schedule for failed deliveries.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/ingest-gateway/internal/platform/auth"
)

// maxResponseBody bounds how much of an endpoint's reply is kept.
const maxResponseBody = 1024

// RetryDelays is the backoff applied after the Nth failed attempt. Attempts
// past the end of the table reuse the last delay.
var RetryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// NextAttemptDelay returns the wait before retrying after attempts failures.
func NextAttemptDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(RetryDelays) {
		return RetryDelays[len(RetryDelays)-1]
	}
	return RetryDelays[attempts-1]
}

// DeliveryAttempt records the outcome of one POST.
type DeliveryAttempt struct {
	StatusCode   int
	ResponseBody string
	Duration     time.Duration
	Err          error
}

// Succeeded reports a transport success with a 2xx response.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// ErrorText summarises a failed attempt for persistence.
func (a DeliveryAttempt) ErrorText() string {
	if a.Err != nil {
		return a.Err.Error()
	}
	if !a.Succeeded() {
		return fmt.Sprintf("non-2xx response: %d", a.StatusCode)
	}
	return ""
}

// ValidateTargetURL checks that rawURL is an absolute http or https URL.
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	return nil
}

type SenderOption func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = c }
}

// WithClock replaces time.Now for signing timestamps.
func WithClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// Sender POSTs JSON bodies signed with the gateway's request-signing scheme,
// so EMRs verify callbacks the same way the gateway verifies their requests.
type Sender struct {
	signing    auth.HMACConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewSender(signing auth.HMACConfig, opts ...SenderOption) *Sender {
	s := &Sender{
		signing:    signing,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Deliver signs payload and POSTs it to target. Transport errors and non-2xx
// replies are reported on the attempt, not as a Go error.
func (s *Sender) Deliver(ctx context.Context, target string, payload []byte) DeliveryAttempt {
	var attempt DeliveryAttempt

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		attempt.Err = fmt.Errorf("build request: %w", err)
		return attempt
	}

	if s.signing.ClientID != "" && s.signing.ClientSecret != "" {
		headers, err := auth.SignHeaders(s.signing, http.MethodPost, req.URL.Path, req.URL.RawQuery, payload, s.now(), uuid.NewString())
		if err != nil {
			attempt.Err = fmt.Errorf("sign request: %w", err)
			return attempt
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Err = err
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	attempt.ResponseBody = storableText(body)
	return attempt
}

// storableText turns a truncated reply into valid UTF-8 without NUL bytes so
// it can be kept in a TEXT column. A rune split by the cut is dropped and
// other invalid bytes become U+FFFD.
func storableText(b []byte) string {
	if i := lastRuneStart(b); i >= 0 && !utf8.FullRune(b[i:]) {
		b = b[:i]
	}
	text := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(text, "\x00", "")
}

func lastRuneStart(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return -1
}
