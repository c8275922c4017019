package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func TestIssueAndValidate(t *testing.T) {
	m := NewManager(testSecret, "milepay")

	raw, err := m.Issue("user_1", RoleMediator, time.Hour)
	require.NoError(t, err)

	p, err := m.Validate("Bearer " + raw)
	require.NoError(t, err)
	assert.Equal(t, "user_1", p.UserID)
	assert.Equal(t, RoleMediator, p.Role)
	assert.True(t, p.IsStaff())
}

func TestValidate_DefaultsRoleToUser(t *testing.T) {
	m := NewManager(testSecret, "")
	raw, err := m.Issue("user_2", "", time.Hour)
	require.NoError(t, err)

	p, err := m.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, p.Role)
	assert.False(t, p.IsStaff())
}

func TestValidate_Rejects(t *testing.T) {
	m := NewManager(testSecret, "milepay")

	_, err := m.Validate("")
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = m.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewManager("a-different-secret-of-adequate-length", "milepay")
	raw, err := other.Issue("user_1", RoleUser, time.Hour)
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong signing key")

	wrongIssuer := NewManager(testSecret, "someone-else")
	raw, err = wrongIssuer.Issue("user_1", RoleUser, time.Hour)
	require.NoError(t, err)
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")
}

func TestValidate_Expired(t *testing.T) {
	m := NewManager(testSecret, "milepay")
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, err := m.Issue("user_1", RoleUser, time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_RejectsNoneAlg(t *testing.T) {
	m := NewManager(testSecret, "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user_1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_MissingSubject(t *testing.T) {
	m := NewManager(testSecret, "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = m.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_EmptyUser(t *testing.T) {
	_, err := NewManager(testSecret, "").Issue("", RoleUser, time.Hour)
	assert.Error(t, err)
}
