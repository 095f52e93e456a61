package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
)

var tokenService = NewService("test-signing-key", "test-issuer")

func Test_MintAndValidate(t *testing.T) {
	actorID := uuid.New()

	signed, err := tokenService.Mint(actorID, domain.RoleClient, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := tokenService.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, actorID.String(), claims.Subject)
	assert.Equal(t, "client", claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := tokenService.ValidateToken("invalid-token-string")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	signed, err := tokenService.Mint(uuid.New(), domain.RoleTrainer, -time.Hour)
	require.NoError(t, err)

	_, err = tokenService.ValidateToken(signed)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	assert.Contains(t, err.Error(), "expired")
}

func Test_ValidateToken_WrongKey(t *testing.T) {
	other := NewService("different-key", "test-issuer")
	signed, err := other.Mint(uuid.New(), domain.RoleClient, time.Hour)
	require.NoError(t, err)

	_, err = tokenService.ValidateToken(signed)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
