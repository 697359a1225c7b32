// Package tokenservice is a development credential issuing service. It
// mints room access tokens signed with a shared secret so a client can be
// run end to end without a production identity backend.
package tokenservice

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VideoGrant is the room permission carried in an access token.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// Claims are the access token claims. Subject is the participant identity
// and Issuer the API key.
type Claims struct {
	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid access token")

// Issuer mints and verifies HS256 access tokens.
type Issuer struct {
	apiKey string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(apiKey, secret string, ttl time.Duration) (*Issuer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key must not be empty")
	}
	if len(secret) < 8 {
		return nil, fmt.Errorf("api secret must be at least 8 characters")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	return &Issuer{apiKey: apiKey, secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token letting identity join room, and its expiry.
func (i *Issuer) Issue(room, identity, name string) (string, time.Time, error) {
	if room == "" || identity == "" {
		return "", time.Time{}, fmt.Errorf("room and identity are required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Name: name,
		Video: VideoGrant{
			Room:           room,
			RoomJoin:       true,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks a token's signature, issuer and expiry.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.apiKey),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
