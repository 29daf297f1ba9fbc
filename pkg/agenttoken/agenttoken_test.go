package agenttoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewSigner(priv)
	require.NoError(t, err)
	return signer
}

func TestIssueAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	taskID := uuid.New()

	token, err := signer.Issue(taskID, time.Hour)
	require.NoError(t, err)

	claims, err := Verify(token, signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, TypeAgent, claims.Type)
	assert.Equal(t, taskID, claims.TaskID)
	assert.Equal(t, taskID.String(), claims.Subject)
	assert.Len(t, claims.SessionID, sessionIDLength)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestIssue_DefaultTTL(t *testing.T) {
	signer := newTestSigner(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return fixed }

	token, err := signer.Issue(uuid.New(), 0)
	require.NoError(t, err)

	claims, err := Verify(token, signer.PublicKey(), jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(DefaultTTL).Unix(), claims.ExpiresAt.Unix())
}

func TestIssue_UniqueSessions(t *testing.T) {
	signer := newTestSigner(t)
	taskID := uuid.New()

	a, err := signer.Issue(taskID, time.Hour)
	require.NoError(t, err)
	b, err := signer.Issue(taskID, time.Hour)
	require.NoError(t, err)

	ca, err := Verify(a, signer.PublicKey())
	require.NoError(t, err)
	cb, err := Verify(b, signer.PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, ca.SessionID, cb.SessionID)
}

func TestVerify_Expired(t *testing.T) {
	signer := newTestSigner(t)
	signer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := signer.Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = Verify(token, signer.PublicKey())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_WrongKey(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)

	token, err := signer.Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = Verify(token, other.PublicKey())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_WrongType(t *testing.T) {
	signer := newTestSigner(t)
	claims := Claims{
		Type: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(signer.key)
	require.NoError(t, err)

	_, err = Verify(token, signer.PublicKey())
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestNewSignerFromPEM(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	signer, err := NewSignerFromPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), signer.PublicKey())

	_, err = NewSignerFromPEM([]byte("not a key"))
	assert.Error(t, err)
}

func TestNewSigner_BadLength(t *testing.T) {
	_, err := NewSigner(ed25519.PrivateKey([]byte{1, 2, 3}))
	assert.Error(t, err)
}
