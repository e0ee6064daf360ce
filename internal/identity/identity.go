package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrEmptyToken   = errors.New("empty token")
	ErrInvalidToken = errors.New("invalid token")
)

const ownerClaim = "user_id"

// Issuer signs and verifies session tokens. A token carries an opaque
// owner reference; requests without a token are anonymous.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) IssueAnonymous() (token string, ownerID string, err error) {
	ownerID = uuid.New().String()
	token, err = i.Issue(ownerID)
	return token, ownerID, err
}

func (i *Issuer) Issue(ownerID string) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		ownerClaim: ownerID,
		"iat":      now.Unix(),
		"exp":      now.Add(i.ttl).Unix(),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate returns the owner reference carried by token.
func (i *Issuer) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	ownerID, ok := claims[ownerClaim].(string)
	if !ok || ownerID == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidToken, ownerClaim)
	}
	return ownerID, nil
}

// Lookup resolves an Authorization header value. An empty header is an
// anonymous session and yields a nil owner.
func (i *Issuer) Lookup(authorization string) (*string, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return nil, nil
	}
	ownerID, err := i.Validate(token)
	if err != nil {
		return nil, err
	}
	return &ownerID, nil
}
