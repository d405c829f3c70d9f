package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yoockh/callguard/internal/models"
	"github.com/yoockh/callguard/internal/utils"
)

// Claims are the session token claims. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// WithClock overrides the issue time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue signs an HS256 token for userID that expires after the issuer's TTL.
func (i *Issuer) Issue(userID string, role models.UserRole) (string, time.Time, error) {
	const op = "Issuer.Issue"
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, utils.E(utils.CodeInvalidArgument, op, "userId is required", nil)
	}
	if len(i.secret) == 0 {
		return "", time.Time{}, utils.E(utils.CodeInternal, op, "signing secret is not configured", nil)
	}
	if role == "" {
		role = models.RoleUser
	}

	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, utils.E(utils.CodeInternal, op, "failed to sign token", err)
	}
	return signed, exp, nil
}

type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks signature, algorithm, expiry and issuer. Every failure is
// UNAUTHORIZED with a reason the client can act on.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	const op = "Verifier.Verify"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "missing token", nil)
	}
	if len(v.secret) == 0 {
		return nil, utils.E(utils.CodeInternal, op, "verification secret is not configured", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || tok == nil || !tok.Valid {
		return nil, utils.E(utils.CodeUnauthorized, op, reason(err), err)
	}
	if claims.Subject == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "missing subject", nil)
	}
	return claims, nil
}

// VerifySubject verifies raw and requires its subject to equal userID.
func (v *Verifier) VerifySubject(raw, userID string) (*Claims, error) {
	const op = "Verifier.VerifySubject"
	claims, err := v.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, utils.E(utils.CodeUnauthorized, op, "token subject does not match userId", nil)
	}
	return claims, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token has no expiry"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
