package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// Keys holds the signing material shared by Issue and Parse.
type Keys struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issue issues signed access and refresh tokens.
func Issue(userID int64, role string, keys Keys) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(keys.AccessTTL)
	refreshExp := now.Add(keys.RefreshTTL)

	accessToken, err := sign(userID, role, TypeAccess, now, accessExp, keys)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(userID, role, TypeRefresh, now, refreshExp, keys)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func sign(userID int64, role, typ string, now, exp time.Time, keys Keys) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   role,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    keys.Issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(keys.SigningKey))
}

// Parse validates a token of the wanted type and returns claims.
func Parse(tokenStr, wantType string, keys Keys) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if keys.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(keys.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(keys.SigningKey), nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Type != wantType {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("unexpected token type"))
	}
	if claims.UserID <= 0 {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("missing user id"))
	}
	return *claims, nil
}
