package auth

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tiny-giraffes/life-beacon-360/internal/db"
)

// Device tokens are long lived; a tracking device may stay offline for days
// and still needs to deliver its backlog.
const deviceTokenTTL = 30 * 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
)

var (
	signTokenFn       = (*Service).signToken
	hashPasswordFn    = bcrypt.GenerateFromPassword
	parseWithClaimsFn = jwt.ParseWithClaims

	validate = validator.New()
)

type Service struct {
	secret []byte
	db     db.Querier
}

type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

func NewService(secret string, q db.Querier) *Service {
	return &Service{
		secret: []byte(secret),
		db:     q,
	}
}

// Enroll registers a device with a shared secret and issues its first token.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (Device, TokenResponse, error) {
	if err := validate.Struct(req); err != nil {
		return Device{}, TokenResponse{}, err
	}
	hash, err := hashPasswordFn([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return Device{}, TokenResponse{}, err
	}

	device := Device{
		ID:         req.DeviceID,
		Name:       req.Name,
		SecretHash: string(hash),
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO devices (id, name, secret_hash)
		VALUES ($1,$2,$3)
		RETURNING created_at
	`, device.ID, device.Name, device.SecretHash)
	if err := row.Scan(&device.CreatedAt); err != nil {
		return Device{}, TokenResponse{}, err
	}

	tokens, err := s.IssueToken(device.ID)
	if err != nil {
		return Device{}, TokenResponse{}, err
	}
	return device, tokens, nil
}

// Token exchanges a device's credentials for a fresh token.
func (s *Service) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if err := validate.Struct(req); err != nil {
		return TokenResponse{}, ErrInvalidCredentials
	}

	row := s.db.QueryRow(ctx, `
		SELECT secret_hash FROM devices WHERE id = $1 AND revoked_at IS NULL
	`, req.DeviceID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		return TokenResponse{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Secret)); err != nil {
		return TokenResponse{}, ErrInvalidCredentials
	}
	return s.IssueToken(req.DeviceID)
}

func (s *Service) IssueToken(deviceID string) (TokenResponse, error) {
	token, err := signTokenFn(s, deviceID, deviceTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(deviceTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

func (s *Service) signToken(deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	return parseClaims(token, s.secret)
}

func parseClaims(token string, secret []byte) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DeviceID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
