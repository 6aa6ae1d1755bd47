package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-go/internal/config"
)

// memoryBlacklist 是 TokenBlacklist 的内存实现，测试用。
type memoryBlacklist struct {
	revoked map[string]bool
}

func newMemoryBlacklist() *memoryBlacklist {
	return &memoryBlacklist{revoked: make(map[string]bool)}
}

func (b *memoryBlacklist) Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error {
	b.revoked[jti] = true
	return nil
}

func (b *memoryBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return b.revoked[jti], nil
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecretKey: "test-secret-key",
		JWTExpiry:    time.Hour,
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := testAuthConfig()
	token, err := GenerateToken(42, "alice", cfg)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(context.Background(), token, cfg.JWTSecretKey, newMemoryBlacklist())
	require.NoError(t, err)
	require.EqualValues(t, 42, claims.UserID)
	require.Equal(t, "alice", claims.Username)
	require.NotEmpty(t, claims.ID, "令牌必须带 JTI 才能支持吊销")
}

func TestValidateToken_WrongKeyRejected(t *testing.T) {
	cfg := testAuthConfig()
	token, err := GenerateToken(42, "alice", cfg)
	require.NoError(t, err)

	_, err = ValidateToken(context.Background(), token, "另一个密钥", newMemoryBlacklist())
	require.Error(t, err)
}

func TestValidateToken_RevokedRejected(t *testing.T) {
	cfg := testAuthConfig()
	token, err := GenerateToken(42, "alice", cfg)
	require.NoError(t, err)

	blacklist := newMemoryBlacklist()
	claims, err := ValidateToken(context.Background(), token, cfg.JWTSecretKey, blacklist)
	require.NoError(t, err)

	require.NoError(t, blacklist.Add(context.Background(), claims.ID, claims.ExpiresAt.Time))
	_, err = ValidateToken(context.Background(), token, cfg.JWTSecretKey, blacklist)
	require.Error(t, err)
}

func TestValidateToken_ExpiredRejected(t *testing.T) {
	cfg := testAuthConfig()
	cfg.JWTExpiry = -time.Minute
	token, err := GenerateToken(42, "alice", cfg)
	require.NoError(t, err)

	_, err = ValidateToken(context.Background(), token, cfg.JWTSecretKey, newMemoryBlacklist())
	require.Error(t, err)
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret!", hash)

	require.True(t, CheckPasswordHash("s3cret!", hash))
	require.False(t, CheckPasswordHash("wrong", hash))
}
