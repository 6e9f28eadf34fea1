package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/quckapp/quckapp-sub001/tools/errs"
)

// Options controls verification parameters. This core only verifies tokens
// issued by auth-service; it never issues them.
type Options struct {
	Secret []byte // HMAC secret shared with auth-service
	Issuer string // expected issuer, default "quckapp-auth"
	Alg    string // HS256/HS384/HS512 (default HS256)
}

// Claims is the claim set auth-service puts in its tokens. Only the fields
// this core reads are declared.
type Claims struct {
	Sub       string `json:"sub"`       // user id
	Email     string `json:"email"`     // user email
	SessionID string `json:"sessionId"` // session identifier
	TwoFA     bool   `json:"2fa"`       // two-factor verified
	jwtlib.RegisteredClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Issuer: "quckapp-auth", Alg: "HS256"}
}

// Verify parses and validates a bearer token. Any failure maps to ErrAuth so
// the caller can reject and close the connection with one reason code.
func Verify(opts Options, token string) (*Claims, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, errs.ErrAuth.WrapMsg(err.Error())
	}
	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only; anything else is a forged header
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, errs.ErrAuth.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrAuth.WrapMsg("invalid token")
	}
	if opts.Issuer != "" && claims.Issuer != opts.Issuer {
		return nil, errs.ErrAuth.WrapMsg("issuer mismatch", "issuer", claims.Issuer)
	}
	if claims.Sub == "" {
		return nil, errs.ErrAuth.WrapMsg("missing sub claim")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, errs.ErrAuth.WrapMsg("token expired")
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
