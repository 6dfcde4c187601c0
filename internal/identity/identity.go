package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenExpiry = 24 * time.Hour

// verifyCacheTTL bounds how long a successful verification is reused before
// the signature and expiry are checked again.
const verifyCacheTTL = time.Minute

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("identity secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// Service issues and verifies signed identity tokens. It stands in for the
// external identity provider: both the HTTP middleware and the socket
// handshake resolve a caller's identity through Verify.
type Service struct {
	Config
	verified geche.Geche[string, string]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		verified: geche.NewMapTTLCache[string, string](ctx, verifyCacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// Issue signs a token for the given user. Returns the token and its expiry
// as a Unix timestamp.
func (s *Service) Issue(userID string) (string, int64, error) {
	now := s.now()
	expiry := now.Add(s.TokenExpiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		UserID: userID,
	})

	signed, err := token.SignedString(s.secretBytes)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiry.Unix(), nil
}

// Verify resolves a token to the user identity it is bound to.
// Missing, garbled or expired tokens return ErrInvalidToken.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	if userID, err := s.verified.Get(token); err == nil {
		return userID, nil
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return s.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || c.UserID == "" {
		return "", ErrInvalidToken
	}

	s.verified.Set(token, c.UserID)
	return c.UserID, nil
}
