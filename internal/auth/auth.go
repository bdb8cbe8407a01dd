package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wardenmc/warden/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Claims represents the JWT claims for an authenticated user
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service signs and validates session tokens
type Service struct {
	jwtSecret     []byte
	tokenDuration time.Duration
}

// NewService creates a new auth service
func NewService(jwtSecret string, tokenDuration time.Duration) *Service {
	if tokenDuration == 0 {
		tokenDuration = 24 * time.Hour
	}
	return &Service{
		jwtSecret:     []byte(jwtSecret),
		tokenDuration: tokenDuration,
	}
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword compares a password against a hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken creates a JWT for an authenticated user
func (s *Service) GenerateToken(username string) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a JWT and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticator resolves control-protocol credentials against the user
// store and mints session tokens for reconnects
type Authenticator struct {
	store *storage.Store
	svc   *Service
}

// NewAuthenticator creates an Authenticator
func NewAuthenticator(store *storage.Store, svc *Service) *Authenticator {
	return &Authenticator{store: store, svc: svc}
}

// CheckCredentials verifies a login/password pair and returns the
// username on success
func (a *Authenticator) CheckCredentials(ctx context.Context, login, password string) (string, error) {
	user, err := a.store.GetUserByUsername(ctx, login)
	if err != nil || !CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	a.store.UpdateUserLastLogin(ctx, user.ID)
	return user.Username, nil
}

// CheckToken verifies a session token and returns the username it names
func (a *Authenticator) CheckToken(token string) (string, error) {
	claims, err := a.svc.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// IssueToken mints a session token for an authenticated user
func (a *Authenticator) IssueToken(username string) (string, error) {
	return a.svc.GenerateToken(username)
}
