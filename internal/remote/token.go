package remote

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AccountFromToken returns the "sub" claim of a JWT without verifying its
// signature. The service verifies tokens; the client only needs to know which
// account a token names.
func AccountFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("failed to read token subject: %w", err)
	}
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}
