package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/perfumaria/internal/domain"
)

var (
	// ErrInvalidToken is returned for malformed or tampered tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for tokens past their expiry.
	ErrExpiredToken = errors.New("token expired")
)

// Claims is the signed content of a user token.
type Claims struct {
	UserID    string      `json:"sub"`
	Role      domain.Role `json:"role"`
	ExpiresAt int64       `json:"exp"`
}

// Signer issues and verifies `<payload>.<signature>` tokens with HMAC-SHA256.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer for secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

var enc = base64.RawURLEncoding

// Issue signs a token for userID valid for ttl.
func (s *Signer) Issue(userID string, role domain.Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidToken)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	payload, err := json.Marshal(Claims{
		UserID:    userID,
		Role:      role,
		ExpiresAt: s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	body := enc.EncodeToString(payload)
	return body + "." + enc.EncodeToString(s.sign(body)), nil
}

// Verify checks the signature and expiry of token.
func (s *Signer) Verify(token string) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrInvalidToken
	}
	got, err := enc.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.sign(body)) {
		return nil, ErrInvalidToken
	}
	payload, err := enc.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func (s *Signer) sign(body string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
