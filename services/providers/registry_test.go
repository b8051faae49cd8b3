package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterProvider(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.RegisterProvider(NewMockProvider("gemini")))
	assert.Equal(t, 1, registry.Count())

	err := registry.RegisterProvider(NewMockProvider("gemini"))
	assert.ErrorIs(t, err, ErrProviderAlreadyRegistered)

	assert.Error(t, registry.RegisterProvider(nil))
	assert.Error(t, registry.RegisterProvider(NewMockProvider("")))
}

func TestRegistry_GetProviderForModel(t *testing.T) {
	gemini := NewMockProvider("gemini")
	gemini.models = []string{"gemini-2.5-flash", "gemini-2.0-flash"}

	openai := NewMockProvider("openai")
	openai.models = []string{"gpt-4o-mini", "gpt-4o-2024"}

	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(gemini))
	require.NoError(t, registry.RegisterProvider(openai))

	t.Run("listed model", func(t *testing.T) {
		provider, err := registry.GetProviderForModel("gemini-2.0-flash")
		require.NoError(t, err)
		assert.Equal(t, "gemini", provider.Name())
	})

	t.Run("explicit mapping wins", func(t *testing.T) {
		require.NoError(t, registry.RegisterModelMapping("gemini-2.0-flash", "openai"))
		provider, err := registry.GetProviderForModel("gemini-2.0-flash")
		require.NoError(t, err)
		assert.Equal(t, "openai", provider.Name())
	})

	t.Run("prefix mapping", func(t *testing.T) {
		require.NoError(t, registry.RegisterModelPrefix("gpt-", "openai"))
		provider, err := registry.GetProviderForModel("gpt-4o-2024")
		require.NoError(t, err)
		assert.Equal(t, "openai", provider.Name())
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := registry.GetProviderForModel("claude-3")
		assert.ErrorIs(t, err, ErrModelNotSupported)
	})

	t.Run("unregistered provider in mapping", func(t *testing.T) {
		assert.ErrorIs(t, registry.RegisterModelPrefix("x-", "missing"), ErrProviderNotFound)
		assert.ErrorIs(t, registry.SetDefault("missing"), ErrProviderNotFound)
	})
}

func TestRegistry_Default(t *testing.T) {
	open := NewMockProvider("compat")
	open.models = nil
	open.validateError = nil

	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(open))

	_, err := registry.GetProviderForModel("mock-anything")
	assert.ErrorIs(t, err, ErrModelNotSupported)

	open.models = []string{"mock-anything"}
	require.NoError(t, registry.SetDefault("compat"))
	provider, err := registry.GetProviderForModel("mock-anything")
	require.NoError(t, err)
	assert.Equal(t, "compat", provider.Name())
}

func TestRegistry_ListProviders(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterProvider(NewMockProvider("b")))
	require.NoError(t, registry.RegisterProvider(NewMockProvider("a")))

	assert.Equal(t, []string{"a", "b"}, registry.ListProviders())

	provider, err := registry.GetProvider("a")
	require.NoError(t, err)
	assert.Equal(t, "a", provider.Name())

	_, err = registry.GetProvider("c")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}
