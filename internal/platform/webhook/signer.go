// Package webhook signs outbound notification payloads. Receivers can verify
// the HMAC-SHA256 body signature and the short-lived bearer token with the
// shared secret.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC of the request body, prefixed "sha256=".
const SignatureHeader = "X-Notification-Signature"

// DefaultTokenTTL bounds how long a bearer token stays valid.
const DefaultTokenTTL = 5 * time.Minute

// ErrInvalidEndpoint is returned for endpoints that are not http(s) URLs.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ValidateEndpoint checks that the URL is non-empty and uses http or https.
func ValidateEndpoint(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidEndpoint)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: url scheme must be http or https, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	return u, nil
}

// Claims identify the notification a bearer token was minted for.
type Claims struct {
	jwt.RegisteredClaims
	Tenant     string `json:"tenant_id"`
	BodySHA256 string `json:"body_sha256"`
	NotifyType string `json:"notification_type"`
}

// Signer produces signature headers for outbound notifications.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer sets the iss claim.
func WithIssuer(iss string) SignerOption {
	return func(s *Signer) { s.issuer = iss }
}

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(d time.Duration) SignerOption {
	return func(s *Signer) { s.ttl = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a signer for secret, or nil when secret is empty.
func NewSigner(secret string, opts ...SignerOption) *Signer {
	if secret == "" {
		return nil
	}
	s := &Signer{secret: []byte(secret), issuer: "notify-server", ttl: DefaultTokenTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Signature returns the SignatureHeader value for payload.
func (s *Signer) Signature(payload []byte) string {
	return "sha256=" + SignPayload(payload, string(s.secret))
}

// Token mints an HS256 bearer token bound to the payload hash. subject is
// the subscription reference and audience the receiving endpoint.
func (s *Signer) Token(payload []byte, tenant, subject, audience, notifyType string) (string, error) {
	now := s.now()
	sum := sha256.Sum256(payload)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Tenant:     tenant,
		BodySHA256: hex.EncodeToString(sum[:]),
		NotifyType: notifyType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses token and checks it was minted by this signer for payload.
func (s *Signer) Verify(token string, payload []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	sum := sha256.Sum256(payload)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("token does not match payload")
	}
	return claims, nil
}
