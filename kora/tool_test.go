package kora

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsTool(t *testing.T) {
	secret, _, err := MintAgentKey("agent_1")
	require.NoError(t, err)
	engine, err := NewEngine(secret)
	require.NoError(t, err)

	tool := engine.AsTool("mandate_1", nil)
	assert.Equal(t, "function", tool["type"])

	fn := tool["function"].(map[string]any)
	assert.Equal(t, "kora_authorize_spend", fn["name"])
	assert.Contains(t, fn["description"], "mandate_1")

	params := fn["parameters"].(map[string]any)
	assert.ElementsMatch(t, []string{"amount_cents", "currency", "vendor_id"}, params["required"])

	props := params["properties"].(map[string]any)
	category := props["category"].(map[string]any)
	assert.NotContains(t, category, "enum")
}

func TestAsToolCategoryEnum(t *testing.T) {
	secret, _, err := MintAgentKey("agent_1")
	require.NoError(t, err)
	engine, err := NewEngine(secret)
	require.NoError(t, err)

	tool := engine.AsTool("mandate_1", []string{"cloud", "saas"})
	props := tool["function"].(map[string]any)["parameters"].(map[string]any)["properties"].(map[string]any)
	category := props["category"].(map[string]any)
	assert.Equal(t, []string{"cloud", "saas"}, category["enum"])
}
