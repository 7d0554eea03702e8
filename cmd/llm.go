package cmd

import (
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/codebot/internal/llm"
)

// newLLMClient creates the optional prompt/PR-text helper from config or
// ANTHROPIC_API_KEY, or returns nil when no key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}
