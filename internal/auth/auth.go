package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mealmesh/mealmesh/pkg/state"
)

// ErrUnauthenticated covers every credential failure: missing, malformed,
// expired, bad signature. The connection attempt is refused before any
// registry admission.
var ErrUnauthenticated = errors.New("authentication failed")

// Identity is what a verified credential resolves to.
type Identity struct {
	ParticipantID string
	Role          state.Role
}

// Verifier validates a bearer credential presented at connection time. This
// check runs exactly once per connection lifetime, never per message.
type Verifier interface {
	VerifyCredential(token string) (Identity, error)
}

// Claims is the JWT claims structure issued by the account service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) VerifyCredential(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: malformed claims", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token missing 'sub' claim", ErrUnauthenticated)
	}
	role := state.Role(claims.Role)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: token carries unknown role %q", ErrUnauthenticated, claims.Role)
	}

	return Identity{ParticipantID: claims.Subject, Role: role}, nil
}
