// Package tokenpeek reads the expiry claim out of an access token
// without verifying its signature, so a token accessor can withhold a
// token that has already expired instead of letting a drain bounce off
// a 401. The sync coordinator does not call it itself; the demo's
// token accessor does. Ported from the teacher's
// auth.DecodeTokenWithoutVerification, which exists there for
// debugging; here it is a production code path, since the core never
// holds the signing secret needed to verify anything.
package tokenpeek

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned when tokenString cannot be parsed as a JWT
// at all (not a verification failure — no signature is checked here).
var ErrMalformed = errors.New("malformed token")

type claims struct {
	jwt.RegisteredClaims
}

// IsExpired reports whether tokenString's exp claim, read without
// signature verification, is at or before now (within skew). A token
// with no exp claim is treated as never expiring. A malformed token
// reports expired=true, err=ErrMalformed, so that "can't tell" reads
// the same as "assume it needs a refresh".
func IsExpired(tokenString string, now time.Time, skew time.Duration) (expired bool, err error) {
	exp, ok, err := ExpiresAt(tokenString)
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}
	return !now.Add(skew).Before(exp), nil
}

// ExpiresAt returns the token's exp claim, if present, without
// verifying its signature.
func ExpiresAt(tokenString string) (exp time.Time, ok bool, err error) {
	var c claims
	_, _, err = jwt.NewParser().ParseUnverified(tokenString, &c)
	if err != nil {
		return time.Time{}, false, ErrMalformed
	}
	if c.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return c.ExpiresAt.Time, true, nil
}
