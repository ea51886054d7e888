package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotAdmin     = errors.New("subject is not the administrator")
)

// Service authenticates the two principal kinds: the single administrator
// allowed to mutate game parameters, and callers closing their own
// sessions.
type Service struct {
	secret []byte
	admin  string
}

// Claims are the token claims for both roles.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewService creates an auth service for the given admin subject.
func NewService(secret, admin string) *Service {
	return &Service{secret: []byte(secret), admin: admin}
}

// IssueToken mints an admin token. Operational tooling only; the service
// itself never calls this on behalf of a request.
func (s *Service) IssueToken(ttl time.Duration) (string, error) {
	return s.issue("admin", s.admin, ttl)
}

// IssueCallerToken mints a token bound to a caller address. Handed out on
// session open so that only the holder can close the session. A zero ttl
// issues without expiry; sessions have no deadline, so neither does the
// token that closes them.
func (s *Service) IssueCallerToken(caller string, ttl time.Duration) (string, error) {
	return s.issue("caller", caller, ttl)
}

func (s *Service) issue(role, subject string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAdmin checks a bearer token and returns the admin subject.
func (s *Service) ValidateAdmin(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Subject != s.admin || claims.Role != "admin" {
		return "", ErrNotAdmin
	}
	return claims.Subject, nil
}

// ValidateCaller checks a caller token and returns the bound address.
func (s *Service) ValidateCaller(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Role != "caller" || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
