package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSkew is subtracted from a token's lifetime so requests are not sent
// with a token that expires in flight.
const tokenSkew = 30 * time.Second

// TokenExpiry returns the exp claim of a JWT bearer token. The signature is
// not verified; the server does that. ok is false for opaque tokens and
// tokens without exp.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	claim, err := parsed.Claims.GetExpirationTime()
	if err != nil || claim == nil {
		return time.Time{}, false
	}
	return claim.Time, true
}

// checkToken fails with ErrUnauthorized when token is empty or a JWT that
// has expired at now.
func checkToken(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: no token configured", ErrUnauthorized)
	}
	if exp, ok := TokenExpiry(token); ok && !now.Add(tokenSkew).Before(exp) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthorized, exp.Format(time.RFC3339))
	}
	return nil
}
