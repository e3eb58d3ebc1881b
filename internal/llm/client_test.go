package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient(ProviderOpenAI, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = NewClient(ProviderAnthropic, "sk-ant-test")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	_, err = NewClient(ProviderOpenAI, "")
	assert.Error(t, err)

	_, err = NewClient("mistral", "key")
	assert.Error(t, err)
}

func TestFromKeys(t *testing.T) {
	c, err := FromKeys(ProviderAnthropic, "", "")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = FromKeys(ProviderAnthropic, "", "sk-openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = FromKeys(ProviderOpenAI, "sk-ant", "sk-openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	c, err = FromKeys(ProviderOpenAI, "sk-ant", "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
}
