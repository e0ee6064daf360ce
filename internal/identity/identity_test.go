package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAnonymous(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	token, ownerID, err := issuer.IssueAnonymous()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, ownerID)

	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, ownerID, claims["user_id"])

	_, other, err := issuer.IssueAnonymous()
	require.NoError(t, err)
	assert.NotEqual(t, ownerID, other)
}

func TestValidate(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	token, err := issuer.Issue("user1")
	require.NoError(t, err)

	ownerID, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user1", ownerID)
}

func TestValidate_Invalid(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	_, err := issuer.Validate("")
	assert.ErrorIs(t, err, ErrEmptyToken)

	_, err = issuer.Validate("invalid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongKey, err := NewIssuer("wrong-key", time.Hour).Issue("user1")
	require.NoError(t, err)
	_, err = issuer.Validate(wrongKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noOwner := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := noOwner.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = issuer.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_Expired(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := issuer.Issue("user1")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLookup(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)

	owner, err := issuer.Lookup("")
	assert.NoError(t, err)
	assert.Nil(t, owner, "no token is an anonymous session")

	token, err := issuer.Issue("user1")
	require.NoError(t, err)
	owner, err = issuer.Lookup("Bearer " + token)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "user1", *owner)

	_, err = issuer.Lookup("Bearer garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
