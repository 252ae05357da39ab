package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/adoption/model"
)

// ErrInvalidContractToken is returned by Verify for any token that does not
// grant access to the requested contract.
var ErrInvalidContractToken = errors.New("authz: invalid contract token")

type contractClaims struct {
	ApplicationID string `json:"app"`
	jwt.RegisteredClaims
}

// ContractTokens issues and verifies the signed tokens that let a public
// caller submit one specific contract until it expires.
type ContractTokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewContractTokens creates a token issuer with an HS256 signing secret.
func NewContractTokens(secret []byte, issuer string) (*ContractTokens, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("authz: contract token secret must be at least 32 bytes, got %d", len(secret))
	}
	return &ContractTokens{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for c that expires together with the contract window.
func (t *ContractTokens) Issue(c *model.Contract) (string, error) {
	claims := contractClaims{
		ApplicationID: c.ApplicationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("authz: signing contract token: %w", err)
	}
	return signed, nil
}

// Verify reports whether token is a valid, unexpired token for contractID.
func (t *ContractTokens) Verify(token, contractID string) error {
	if token == "" {
		return ErrInvalidContractToken
	}
	var claims contractClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContractToken, err)
	}
	if claims.Subject != contractID {
		return fmt.Errorf("%w: token is for a different contract", ErrInvalidContractToken)
	}
	return nil
}
