// Package agenttoken issues and verifies the short-lived Ed25519 credentials
// handed to an agent container so it can call back into the minion API.
package agenttoken

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TypeAgent tags credentials issued to agents.
	TypeAgent = "agent"

	// DefaultTTL is the lifetime of an agent credential.
	DefaultTTL = time.Hour

	sessionIDLength   = 32
	sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature, expiry or
	// shape checks.
	ErrInvalidToken = errors.New("invalid agent token")

	// ErrWrongType is returned when a valid token is not an agent token.
	ErrWrongType = errors.New("token is not an agent token")
)

// Claims is the payload of an agent credential.
type Claims struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TaskID    uuid.UUID `json:"task_id"`
	jwt.RegisteredClaims
}

// Signer issues agent credentials.
type Signer struct {
	key crypto.Signer
	pub ed25519.PublicKey
	now func() time.Time
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("agenttoken: ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Signer{key: key, pub: key.Public().(ed25519.PublicKey), now: time.Now}, nil
}

// NewSignerFromPEM parses a PKCS8 PEM-encoded Ed25519 key.
func NewSignerFromPEM(pemBytes []byte) (*Signer, error) {
	key, err := jwt.ParseEdPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("agenttoken: parsing private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("agenttoken: private key is %T, not ed25519", key)
	}
	return NewSigner(edKey)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Issue signs a credential for taskID valid for ttl. A fresh random session
// id is embedded so two credentials for the same task never collide.
func (s *Signer) Issue(taskID uuid.UUID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sessionID, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("agenttoken: generating session id: %w", err)
	}

	now := s.now()
	claims := Claims{
		Type:      TypeAgent,
		SessionID: sessionID,
		TaskID:    taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   taskID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("agenttoken: signing: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and type, and returns the claims.
func Verify(token string, pub ed25519.PublicKey, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return pub, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TypeAgent {
		return nil, ErrWrongType
	}
	return claims, nil
}

func newSessionID() (string, error) {
	limit := big.NewInt(int64(len(sessionIDAlphabet)))
	buf := make([]byte, sessionIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = sessionIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
