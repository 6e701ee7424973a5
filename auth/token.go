//Package auth mints and verifies the resume tokens handed to a
//device when its session is created. A token binds the session ID
//and device ID so a reconnecting client can prove it owns the
//session it names.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tunnelbroker/errs"
)

//Claims carries the session binding inside the signed token
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionID"`
	DeviceID  string `json:"deviceID"`
}

//GenerateToken signs a resume token for the session. Zero validity
//means the token never expires (sessions end by logout or
//supersession, not by token age).
func GenerateToken(sessionID, deviceID string, secret []byte, validity time.Duration) (string, error) {
	claims := Claims{
		SessionID: sessionID,
		DeviceID:  deviceID,
	}
	if validity != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(validity))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

//VerifyToken checks the signature and returns the bound session and
//device IDs. Any parse or signature failure is reported as
//errs.ErrBadToken.
func VerifyToken(tokenString string, secret []byte) (sessionID, deviceID string, err error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", "", errs.ErrBadToken
	}

	return claims.SessionID, claims.DeviceID, nil
}
