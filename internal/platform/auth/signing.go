package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// Algorithm identifies the HMAC digest used to sign requests.
type Algorithm string

const (
	HMACSHA256 Algorithm = "HMACSHA256"
	HMACSHA512 Algorithm = "HMACSHA512"
)

// ErrUnsupportedAlgorithm is returned for algorithm names that do not
// normalize to a supported digest. There is no fallback.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// ParseAlgorithm normalizes an algorithm name. Case, '-' and '_' are
// ignored and the "HMAC" prefix is optional, so "sha256", "HMAC-SHA256" and
// "hmacsha256" are the same algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	n = strings.TrimPrefix(n, "HMAC")
	switch n {
	case "SHA256":
		return HMACSHA256, nil
	case "SHA512":
		return HMACSHA512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

func (a Algorithm) hasher() (func() hash.Hash, error) {
	switch a {
	case HMACSHA256:
		return sha256.New, nil
	case HMACSHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

// SignedRequest carries the request attributes covered by a signature.
type SignedRequest struct {
	Method     string
	Path       string
	RawQuery   string
	BodySHA256 string // base64 of SHA-256 over the raw body
	Timestamp  int64  // unix seconds
	Nonce      string
	KeyID      string
}

// CanonicalString joins the signed attributes with '\n' in fixed order.
func (r SignedRequest) CanonicalString() string {
	return strings.Join([]string{
		strings.ToUpper(r.Method),
		r.Path,
		r.RawQuery,
		r.BodySHA256,
		strconv.FormatInt(r.Timestamp, 10),
		r.Nonce,
		r.KeyID,
	}, "\n")
}

// BodyHash returns base64(SHA-256(body)). An empty body hashes like any
// other input.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Sign computes the base64 HMAC of the canonical string under secret.
func Sign(secret []byte, req SignedRequest, alg Algorithm) (string, error) {
	h, err := alg.hasher()
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, secret)
	mac.Write([]byte(req.CanonicalString()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares the base64 encodings in
// constant time.
func Verify(secret []byte, req SignedRequest, alg Algorithm, signature string) (bool, error) {
	expected, err := Sign(secret, req, alg)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1, nil
}

// SignatureHeader is the parsed form of "kid=<id>;alg=<name>;sig=<base64>".
type SignatureHeader struct {
	KeyID     string
	Algorithm string
	Signature string
}

// ErrMalformedSignatureHeader is returned when kid or sig is missing.
var ErrMalformedSignatureHeader = errors.New("malformed signature header")

// ParseSignatureHeader reads semicolon-delimited key=value pairs in any
// order. Keys are case-insensitive; unknown keys are ignored. Values may
// contain '=' (base64 padding).
func ParseSignatureHeader(v string) (SignatureHeader, error) {
	var sh SignatureHeader
	for _, part := range strings.Split(v, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "kid":
			sh.KeyID = val
		case "alg":
			sh.Algorithm = val
		case "sig":
			sh.Signature = val
		}
	}
	if sh.KeyID == "" || sh.Signature == "" {
		return sh, ErrMalformedSignatureHeader
	}
	return sh, nil
}

// String formats the header value in the canonical field order.
func (s SignatureHeader) String() string {
	if s.Algorithm == "" {
		return fmt.Sprintf("kid=%s;sig=%s", s.KeyID, s.Signature)
	}
	return fmt.Sprintf("kid=%s;alg=%s;sig=%s", s.KeyID, s.Algorithm, s.Signature)
}
