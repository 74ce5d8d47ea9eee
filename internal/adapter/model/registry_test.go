package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/config"
)

func TestRegistrySwitch(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewScripted("alpha")))
	require.NoError(t, reg.Register(NewScripted("beta")))

	assert.Equal(t, "alpha", reg.CurrentName())
	require.NoError(t, reg.Switch("BETA"))
	assert.Equal(t, "beta", reg.Current().Name())

	err := reg.Switch("gamma")
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Equal(t, "beta", reg.CurrentName())

	assert.Error(t, reg.Register(NewScripted("alpha")))
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
}

func TestRegistryFromConfig(t *testing.T) {
	t.Run("ollama only without keys", func(t *testing.T) {
		cfg := config.Default()
		cfg.Model.OpenAI.APIKey = ""
		cfg.Model.Gemini.APIKey = ""
		cfg.Model.Default = "openai"

		reg, err := NewRegistryFromConfig(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"ollama"}, reg.Names())
		assert.Equal(t, "ollama", reg.CurrentName())
	})

	t.Run("openai selected by default", func(t *testing.T) {
		cfg := config.Default()
		cfg.Model.OpenAI.APIKey = "sk-test"
		cfg.Model.Gemini.APIKey = ""
		cfg.Model.Default = "openai"

		reg, err := NewRegistryFromConfig(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"ollama", "openai"}, reg.Names())
		assert.Equal(t, "openai", reg.CurrentName())
	})

	t.Run("mock mode", func(t *testing.T) {
		cfg := config.Default()
		cfg.Model.Mode = config.ModeMock

		reg, err := NewRegistryFromConfig(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"mock"}, reg.Names())
	})

	t.Run("nothing available", func(t *testing.T) {
		cfg := config.Default()
		cfg.Model.Ollama.Disabled = true
		cfg.Model.OpenAI.APIKey = ""
		cfg.Model.Gemini.APIKey = ""

		_, err := NewRegistryFromConfig(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, ErrNoBackends)
	})
}

func TestScriptedFallsBackToMockReply(t *testing.T) {
	s := NewScripted("")
	resp, err := s.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, `[MOCK] Received your message: "hello". This is a mock response.`, resp.Text)
	assert.Equal(t, 1, s.Calls())
}
