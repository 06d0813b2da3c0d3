package llm

import "testing"

func TestNewOpenAIClientDefaults(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient(Config{APIKey: "k", Temperature: -1})
	if c.model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", c.model)
	}
	if c.maxTokens != 150 {
		t.Errorf("maxTokens = %d, want 150", c.maxTokens)
	}
	if c.temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7 default", c.temperature)
	}
}

func TestNewOpenAIClientHonorsZeroTemperature(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient(Config{APIKey: "k", Temperature: 0})
	if c.temperature != 0 {
		t.Fatalf("temperature = %v, want deterministic 0", c.temperature)
	}
}
