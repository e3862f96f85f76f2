// Package jwt issues the HS256 bearer tokens authenticated execution client
// endpoints expect, and attaches them to outgoing requests.
package jwt

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v4"
)

// SecretLength is the size of a decoded secret.
const SecretLength = 32

// TokenLifetime bounds how long an issued token stays valid.
const TokenLifetime = 60 * time.Second

// ParseHexKey decodes a hex secret as found in a jwt.hex file.
func ParseHexKey(content string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(content), "0x")
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hex secret: %w", err)
	}
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("secret is %d bytes, want %d", len(secret), SecretLength)
	}
	return secret, nil
}

// ReadSecret loads a hex secret from a file.
func ReadSecret(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseHexKey(string(content))
}

// GenerateToken creates a token issued at now.
func GenerateToken(secret []byte, now time.Time) (string, error) {
	claims := gojwt.RegisteredClaims{
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(TokenLifetime)),
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify checks a token's signature and validity window.
func Verify(token string, secret []byte) error {
	_, err := gojwt.ParseWithClaims(token, &gojwt.RegisteredClaims{}, func(t *gojwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	return err
}

// RoundTripper adds a fresh bearer token to every request.
type RoundTripper struct {
	next   http.RoundTripper
	secret []byte
}

// NewRoundTripper wraps next, http.DefaultTransport if nil.
func NewRoundTripper(next http.RoundTripper, secret []byte) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RoundTripper{next: next, secret: secret}
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := GenerateToken(rt.secret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	return rt.next.RoundTrip(req)
}
