// Package jwt issues and verifies the HS256 bearer tokens that identify
// the user behind a scan submission.
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrEmptyUserID      = errors.New("user_id cannot be empty")
	ErrInvalidTokenType = errors.New("invalid token type")
)

// TokenType distinguishes access tokens from anything else the issuer signs
// with the same key.
type TokenType string

const TokenTypeAccess TokenType = "access"

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// Claims accepts tokens from the web application, which put the user in
// "id", as well as standard tokens that only set "sub".
type Claims struct {
	UserID    string    `json:"id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	TokenType TokenType `json:"token_type,omitempty"`

	jwt.RegisteredClaims
}

// UserIdentifier is the owner recorded on submitted scans.
func (c *Claims) UserIdentifier() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

type TokenConfig struct {
	Secret string
	// Issuer is stamped on issued tokens and, when set, required on
	// verified ones.
	Issuer              string
	AccessTokenDuration time.Duration
}

// Generator signs and verifies access tokens with one shared secret.
type Generator struct {
	key    []byte
	cfg    TokenConfig
	parser *jwt.Parser
}

func NewGenerator(cfg TokenConfig) *Generator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Generator{key: []byte(cfg.Secret), cfg: cfg, parser: jwt.NewParser(opts...)}
}

// GenerateAccessToken signs a token for userID. scanctl uses it to mint
// tokens for operators and tests.
func (g *Generator) GenerateAccessToken(userID, email string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrEmptyUserID
	}

	now := time.Now()
	exp := now.Add(g.cfg.AccessTokenDuration)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    userID,
		Email:     email,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    g.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}).SignedString(g.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateAccessToken verifies signature, lifetime and issuer, then checks
// that the token names a user. Tokens without a token_type are accepted.
func (g *Generator) ValidateAccessToken(raw string) (*Claims, error) {
	var claims Claims
	_, err := g.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.TokenType != "" && claims.TokenType != TokenTypeAccess:
		return nil, ErrInvalidTokenType
	case claims.UserIdentifier() == "":
		return nil, ErrEmptyUserID
	}
	return &claims, nil
}
