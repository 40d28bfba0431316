package auth

import "time"

type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type EnrollRequest struct {
	DeviceID string `json:"device_id" validate:"required,max=64"`
	Name     string `json:"name" validate:"max=128"`
	Secret   string `json:"secret" validate:"required,min=8"`
}

type TokenRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Secret   string `json:"secret" validate:"required"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
