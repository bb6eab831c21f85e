package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

func newAuthServiceForTest() *AuthService {
	return NewAuthService(zap.NewNop(), AuthConfig{
		AccessTokenSecret: "secret",
		AccessTokenExpiry: time.Minute,
		Issuer:            "registrar",
		Audience:          []string{"enrollment"},
	})
}

func TestAuthServiceRoundTrip(t *testing.T) {
	svc := newAuthServiceForTest()

	token, expiresAt, err := svc.IssueToken("stu-x", models.RoleStudent)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "stu-x", claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := newAuthServiceForTest()
	token, _, err := svc.IssueToken("stu-x", models.RoleStudent)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceRejectsForeignIssuerAndSecret(t *testing.T) {
	svc := newAuthServiceForTest()

	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "someone-else", Audience: []string{"enrollment"}})
	token, _, err := other.IssueToken("stu-x", models.RoleStudent)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)

	wrongKey := NewAuthService(nil, AuthConfig{AccessTokenSecret: "other", Issuer: "registrar", Audience: []string{"enrollment"}})
	token, _, err = wrongKey.IssueToken("stu-x", models.RoleStudent)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthServiceRejectsNoneAlgorithm(t *testing.T) {
	svc := newAuthServiceForTest()
	claims := &models.JWTClaims{UserID: "stu-x", Role: models.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "registrar",
		Audience:  []string{"enrollment"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthServiceDefaultsMissingRole(t *testing.T) {
	svc := newAuthServiceForTest()
	token, _, err := svc.IssueToken("stu-x", "")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, claims.Role)
}
