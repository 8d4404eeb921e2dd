// Package token issues and verifies the typed signed tokens used across the
// engine, and tracks their server-side lifecycle in Redis.
package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type tags what a token is good for. Verification is always against an
// expected type; an access token can never pass as a refresh token.
type Type string

const (
	TypeAccess    Type = "access"
	TypeRefresh   Type = "refresh"
	TypeReset     Type = "reset_password"
	TypeVerify    Type = "verify_email"
	TypeChallenge Type = "two_factor"
)

var (
	// ErrInvalid covers bad signatures, malformed payloads, wrong keys,
	// and type mismatches.
	ErrInvalid = errors.New("token invalid")
	// ErrExpired is returned for a well-formed, correctly signed token
	// past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrRevoked is returned for a token whose record is blacklisted or
	// already rotated away.
	ErrRevoked = errors.New("token revoked")
)

// Claims is the signed payload. UserID rides in the registered subject;
// ID is the jti used as the server-side record key.
type Claims struct {
	TokenType Type   `json:"typ"`
	DeviceID  string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// Config selects the signing method and key material.
type Config struct {
	SigningMethod string // "ed25519" or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// Manager signs and verifies tokens. It is stateless; revocation lives in
// [Store].
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	switch cfg.SigningMethod {
	case "hs256":
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
	case "ed25519":
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Manager{cfg: cfg}, nil
}

// Issue signs a token of the given type and returns the compact string, its
// jti, and the expiry.
func (m *Manager) Issue(typ Type, userID, deviceID string, ttl time.Duration) (string, string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	jti := uuid.NewString()

	claims := Claims{
		TokenType: typ,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	key, err := m.signKey()
	if err != nil {
		return "", "", time.Time{}, err
	}

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, expiresAt, nil
}

// Verify checks the signature, expiry, and token type, in that order of
// error precedence. It does not consult the store; callers that need
// revocation checks go through [Store.Verify]. On ErrExpired the parsed
// claims are returned alongside the error when the token is otherwise
// authentic.
func (m *Manager) Verify(tokenStr string, want Type) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
	}
	if m.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.cfg.Leeway))
	}
	if m.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.cfg.Issuer))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// the claims still parsed; hand them back so callers like
			// logout can act on an expired but authentic token
			if tok != nil {
				if claims, ok := tok.Claims.(*Claims); ok && claims.TokenType == want && claims.ID != "" {
					return claims, ErrExpired
				}
			}
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalid
	}
	if claims.TokenType != want {
		return nil, ErrInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalid
	}

	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.cfg.SigningMethod == "hs256" {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.cfg.SigningMethod == "hs256" {
		return m.cfg.PrivateKey, nil
	}
	return parseEdPrivateKey(m.cfg.PrivateKey)
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.cfg.SigningMethod == "hs256" {
		return m.cfg.PrivateKey, nil
	}
	return parseEdPublicKey(m.cfg.PublicKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
