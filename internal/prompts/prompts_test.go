package prompts

import (
	"strings"
	"testing"
)

func TestForShopPrefersConfiguredPrompt(t *testing.T) {
	t.Parallel()

	if got := ForShop("Always speak like a pirate.", "demo.myshopify.com"); got != "Always speak like a pirate." {
		t.Errorf("ForShop = %q, want the configured prompt verbatim", got)
	}

	generic := ForShop("", "demo.myshopify.com")
	if !strings.Contains(generic, "demo.myshopify.com") {
		t.Errorf("generic prompt %q does not mention the shop domain", generic)
	}
	if !strings.Contains(generic, "under 50 words") {
		t.Errorf("generic prompt %q lost the brevity instruction", generic)
	}
}

func TestCustomerSuffix(t *testing.T) {
	t.Parallel()

	if got := CustomerSuffix("", ""); got != "" {
		t.Errorf("anonymous suffix = %q, want empty", got)
	}
	if got := CustomerSuffix("Ada", ""); !strings.Contains(got, "Ada") {
		t.Errorf("name-only suffix = %q", got)
	}
	if got := CustomerSuffix("", "ada@example.com"); !strings.Contains(got, "ada@example.com") {
		t.Errorf("email-only suffix = %q", got)
	}
	got := CustomerSuffix("Ada", "ada@example.com")
	if !strings.Contains(got, "Ada") || !strings.Contains(got, "ada@example.com") {
		t.Errorf("full suffix = %q", got)
	}
}
