package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ingest-gateway/internal/platform/problem"
	"github.com/ehr/ingest-gateway/internal/platform/telemetry"
)

// Default header names for request signing.
const (
	DefaultSignatureHeader = "X-SHIP-Signature"
	DefaultTimestampHeader = "X-SHIP-Date"
	DefaultNonceHeader     = "X-SHIP-Nonce"
)

// HMACConfig configures request signature verification for a single client.
type HMACConfig struct {
	Enabled         bool
	RequireBearer   bool
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	AllowedSkew     time.Duration
	Algorithm       Algorithm
	ClientID        string
	ClientSecret    string
	Skipper         func(echo.Context) bool
	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultHMACConfig returns the production defaults without a client.
func DefaultHMACConfig() HMACConfig {
	return HMACConfig{
		Enabled:         true,
		RequireBearer:   true,
		SignatureHeader: DefaultSignatureHeader,
		TimestampHeader: DefaultTimestampHeader,
		NonceHeader:     DefaultNonceHeader,
		AllowedSkew:     300 * time.Second,
		Algorithm:       HMACSHA256,
	}
}

type rejection struct {
	status int
	title  string
	detail string
	reason string
}

var (
	rejectNoBearer     = rejection{http.StatusUnauthorized, "Unauthorized", "Bearer authentication is required.", "no_bearer"}
	rejectNoSignature  = rejection{http.StatusUnauthorized, "Unauthorized", "Missing signature header.", "missing_signature"}
	rejectBadHeader    = rejection{http.StatusUnauthorized, "Unauthorized", "Invalid signature header format.", "malformed_signature"}
	rejectBadTimestamp = rejection{http.StatusBadRequest, "Bad request", "Missing or invalid timestamp header.", "bad_timestamp"}
	rejectNoNonce      = rejection{http.StatusBadRequest, "Bad request", "Missing nonce header.", "missing_nonce"}
	rejectMisconfig    = rejection{http.StatusInternalServerError, "Server misconfiguration", "Request signing is not configured.", "misconfigured"}
	rejectUnknownKey   = rejection{http.StatusUnauthorized, "Unauthorized", "Unknown key id.", "unknown_kid"}
	rejectSkew         = rejection{http.StatusUnauthorized, "Unauthorized", "Signature timestamp outside allowed window.", "clock_skew"}
	rejectReplay       = rejection{http.StatusUnauthorized, "Unauthorized", "Replay detected (nonce already used).", "replay"}
	rejectNonceStore   = rejection{http.StatusInternalServerError, "Internal server error", "Unexpected error occurred while processing the request.", "nonce_store"}
	rejectAlgorithm    = rejection{http.StatusUnauthorized, "Unauthorized", "Unsupported signature algorithm.", "algorithm"}
	rejectSignature    = rejection{http.StatusUnauthorized, "Unauthorized", "Invalid signature.", "bad_signature"}
)

// HMACMiddleware verifies signed requests. Checks run in a fixed order and
// the first failure terminates the request with a problem response. On
// success the body is left re-readable for the next handler.
func HMACMiddleware(cfg HMACConfig, nonces NonceCache, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultTimestampHeader
	}
	if cfg.NonceHeader == "" {
		cfg.NonceHeader = DefaultNonceHeader
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = HMACSHA256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled || (cfg.Skipper != nil && cfg.Skipper(c)) {
				return next(c)
			}

			req := c.Request()
			ctx := req.Context()
			reject := func(r rejection, kid string) error {
				telemetry.HMACRejections.WithLabelValues(r.reason).Inc()
				evt := logger.Warn()
				if r.status >= http.StatusInternalServerError {
					evt = logger.Error()
				}
				evt.Str("reason", r.reason).
					Str("path", req.URL.Path).
					Str("kid", kid).
					Str("remote_ip", c.RealIP()).
					Msg("signed request rejected")
				return problem.Respond(c, r.status, r.title, r.detail)
			}

			if cfg.RequireBearer && !HasIdentity(ctx) {
				return reject(rejectNoBearer, "")
			}

			rawSig := req.Header.Get(cfg.SignatureHeader)
			if strings.TrimSpace(rawSig) == "" {
				return reject(rejectNoSignature, "")
			}
			sh, err := ParseSignatureHeader(rawSig)
			if err != nil {
				return reject(rejectBadHeader, "")
			}

			ts, err := strconv.ParseInt(strings.TrimSpace(req.Header.Get(cfg.TimestampHeader)), 10, 64)
			if err != nil {
				return reject(rejectBadTimestamp, sh.KeyID)
			}

			nonce := strings.TrimSpace(req.Header.Get(cfg.NonceHeader))
			if nonce == "" {
				return reject(rejectNoNonce, sh.KeyID)
			}

			if cfg.ClientID == "" || cfg.ClientSecret == "" {
				return reject(rejectMisconfig, sh.KeyID)
			}
			if sh.KeyID != cfg.ClientID {
				return reject(rejectUnknownKey, sh.KeyID)
			}

			now := cfg.Now()
			skew := now.Unix() - ts
			if skew < 0 {
				skew = -skew
			}
			if skew > int64(cfg.AllowedSkew/time.Second) {
				return reject(rejectSkew, sh.KeyID)
			}

			fresh, err := nonces.Reserve(ctx, NonceKey(sh.KeyID, nonce), nonceTTL(now, ts, cfg.AllowedSkew))
			if err != nil {
				logger.Error().Err(err).Msg("nonce cache unavailable")
				return reject(rejectNonceStore, sh.KeyID)
			}
			if !fresh {
				return reject(rejectReplay, sh.KeyID)
			}

			var body []byte
			if req.Body != nil {
				body, err = io.ReadAll(req.Body)
				if err != nil {
					var he *echo.HTTPError
					if errors.As(err, &he) {
						return he
					}
					return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body").SetInternal(err)
				}
				req.Body.Close()
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			alg := cfg.Algorithm
			if sh.Algorithm != "" {
				parsed, err := ParseAlgorithm(sh.Algorithm)
				if err != nil || parsed != cfg.Algorithm {
					return reject(rejectAlgorithm, sh.KeyID)
				}
				alg = parsed
			}

			signed := SignedRequest{
				Method:     req.Method,
				Path:       req.URL.Path,
				RawQuery:   req.URL.RawQuery,
				BodySHA256: BodyHash(body),
				Timestamp:  ts,
				Nonce:      nonce,
				KeyID:      sh.KeyID,
			}
			ok, err := Verify([]byte(cfg.ClientSecret), signed, alg, sh.Signature)
			if err != nil || !ok {
				return reject(rejectSignature, sh.KeyID)
			}

			return next(c)
		}
	}
}

// SignHeaders produces the three signing headers for an outbound request.
// It is the client-side mirror of HMACMiddleware.
func SignHeaders(cfg HMACConfig, method, path, rawQuery string, body []byte, ts time.Time, nonce string) (http.Header, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = HMACSHA256
	}
	signed := SignedRequest{
		Method:     method,
		Path:       path,
		RawQuery:   rawQuery,
		BodySHA256: BodyHash(body),
		Timestamp:  ts.Unix(),
		Nonce:      nonce,
		KeyID:      cfg.ClientID,
	}
	sig, err := Sign([]byte(cfg.ClientSecret), signed, alg)
	if err != nil {
		return nil, err
	}

	sigHeader, tsHeader, nonceHeader := cfg.SignatureHeader, cfg.TimestampHeader, cfg.NonceHeader
	if sigHeader == "" {
		sigHeader = DefaultSignatureHeader
	}
	if tsHeader == "" {
		tsHeader = DefaultTimestampHeader
	}
	if nonceHeader == "" {
		nonceHeader = DefaultNonceHeader
	}

	h := http.Header{}
	h.Set(sigHeader, SignatureHeader{KeyID: cfg.ClientID, Algorithm: string(alg), Signature: sig}.String())
	h.Set(tsHeader, strconv.FormatInt(signed.Timestamp, 10))
	h.Set(nonceHeader, nonce)
	return h, nil
}

// nonceTTL keeps a nonce for as long as its timestamp can pass the skew
// check: until ts+skew, rounded up to the next whole second, and never
// less than skew.
func nonceTTL(now time.Time, ts int64, skew time.Duration) time.Duration {
	ttl := time.Unix(ts, 0).Add(skew + time.Second).Sub(now)
	if ttl < skew {
		return skew
	}
	return ttl
}
