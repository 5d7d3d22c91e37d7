package device

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// TokenType discriminates device tokens from other tokens signed with
	// keys derived from the same master secret.
	TokenType = "device"
	TokenTTL  = 365 * 24 * time.Hour

	keyInfo = "parking/device-token/v1"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Binding is what a verified device token asserts.
type Binding struct {
	DeviceID  string
	UserID    string
	ExpiresAt time.Time
}

// Claims is the JWT payload of a device token. Subject carries the user id.
type Claims struct {
	DeviceID  string `json:"did"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Issuer string
}

// TokenConfigFromEnv reads DEVICE_TOKEN_SECRET and DEVICE_TOKEN_ISSUER.
func TokenConfigFromEnv() TokenConfig {
	iss := os.Getenv("DEVICE_TOKEN_ISSUER")
	if iss == "" {
		iss = "parking-api"
	}
	return TokenConfig{Secret: os.Getenv("DEVICE_TOKEN_SECRET"), Issuer: iss}
}

// TokenIssuer signs and verifies device tokens. Verification is stateless.
type TokenIssuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("device token secret must be at least 32 bytes")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive device token key: %w", err)
	}
	return &TokenIssuer{key: key, issuer: cfg.Issuer, now: time.Now}, nil
}

// Issue returns a token binding deviceID to userID for TokenTTL.
func (t *TokenIssuer) Issue(deviceID, userID string) (string, error) {
	if deviceID == "" || userID == "" {
		return "", errors.New("device token requires device and user id")
	}
	now := t.now()
	claims := Claims{
		DeviceID:  deviceID,
		TokenType: TokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify checks signature, expiry, issuer and token type. Every failure is
// reported as ErrInvalidCredential.
func (t *TokenIssuer) Verify(token string) (*Binding, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.TokenType != TokenType || claims.DeviceID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not a device token", ErrInvalidCredential)
	}
	return &Binding{DeviceID: claims.DeviceID, UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}
