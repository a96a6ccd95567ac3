// Package auth owns the pairing-token check and per-session JWT issuance.
//
// A socket authenticates once with the pairing token from the bootstrap URI
// (or a previously issued session JWT); on success the server mints a session
// id and a signed token the client may present on reconnect.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims embedded in a session token.
type Claims struct {
	SessionID string `json:"session_id"`
	ClientIP  string `json:"client_ip"`
	Platform  string `json:"platform"`
	jwt.RegisteredClaims
}

// Manager validates pairing tokens and issues session JWTs.
type Manager struct {
	pairingToken string
	jwtSecret    []byte
	tokenTTL     time.Duration
}

// NewManager creates a Manager for the given pairing token. The JWT signing
// secret is random per server process; issued tokens do not survive restarts.
func NewManager(pairingToken string) (*Manager, error) {
	if pairingToken == "" {
		return nil, fmt.Errorf("pairing token is required")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	return &Manager{
		pairingToken: pairingToken,
		jwtSecret:    secret,
		tokenTTL:     24 * time.Hour,
	}, nil
}

// Authenticate checks a presented credential: either the pairing token or a
// previously issued session JWT. It returns false for anything else.
func (m *Manager) Authenticate(credential string) bool {
	if credential == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(m.pairingToken)) == 1 {
		return true
	}
	_, err := m.VerifyToken(credential)
	return err == nil
}

// IssueToken creates a signed session token for an authenticated socket.
func (m *Manager) IssueToken(sessionID, clientIP, platform string) (string, error) {
	claims := &Claims{
		SessionID: sessionID,
		ClientIP:  clientIP,
		Platform:  platform,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

// VerifyToken validates and parses a session token.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// NewSessionID creates a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// GeneratePairingToken creates a fresh pairing token for the bootstrap URI.
func GeneratePairingToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
