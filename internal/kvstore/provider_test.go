package kvstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrowser_ProviderResolution(t *testing.T) {
	b := NewBrowser([]string{"dev", "prod"}, zap.NewNop().Sugar())

	p, err := b.Provider("dev")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = b.Provider("staging")
	assert.True(t, errors.Is(err, ErrUnknownEnvironment))

	assert.Equal(t, []string{"dev", "prod"}, b.Environments())
}

func TestMockProvider_ListKeys(t *testing.T) {
	p := NewMockProvider("dev", zap.NewNop().Sugar())

	all, err := p.ListKeys("*", 0)
	require.NoError(t, err)
	assert.Len(t, all, 7)
	assert.IsIncreasing(t, all)

	sessions, err := p.ListKeys("session:*", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"session:1001", "session:1002"}, sessions)

	limited, err := p.ListKeys("*", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMockProvider_ListKeys_BadPattern(t *testing.T) {
	p := NewMockProvider("dev", zap.NewNop().Sugar())

	_, err := p.ListKeys("[", 0)
	assert.Error(t, err)
}

func TestMockProvider_GetValue(t *testing.T) {
	p := NewMockProvider("dev", zap.NewNop().Sugar())

	value, err := p.GetValue("config:maintenance")
	require.NoError(t, err)
	assert.Equal(t, "off", value)

	_, err = p.GetValue("does-not-exist")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestMockProvider_DeleteKey(t *testing.T) {
	p := NewMockProvider("dev", zap.NewNop().Sugar())

	require.NoError(t, p.DeleteKey("queue:migrations"))

	_, err := p.GetValue("queue:migrations")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	err = p.DeleteKey("queue:migrations")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestMockProvider_InstanceInfo(t *testing.T) {
	p := NewMockProvider("qa", zap.NewNop().Sugar())

	info, err := p.InstanceInfo()
	require.NoError(t, err)
	assert.Equal(t, "qa", info.Environment)
	assert.Equal(t, 7, info.KeyCount)
	assert.NotEmpty(t, info.Version)

	require.NoError(t, p.DeleteKey("config:maintenance"))
	info, err = p.InstanceInfo()
	require.NoError(t, err)
	assert.Equal(t, 6, info.KeyCount)
}

func TestProvidersAreIsolatedPerEnvironment(t *testing.T) {
	b := NewBrowser([]string{"dev", "prod"}, zap.NewNop().Sugar())

	dev, err := b.Provider("dev")
	require.NoError(t, err)
	prod, err := b.Provider("prod")
	require.NoError(t, err)

	require.NoError(t, dev.DeleteKey("config:maintenance"))

	// prod still has the key
	_, err = prod.GetValue("config:maintenance")
	assert.NoError(t, err)
}
