package prompts

import "fmt"

// ForShop resolves the system prompt for a session: the tenant-configured
// prompt when set, otherwise a generic template keyed by the shop domain.
func ForShop(configured, shopDomain string) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf(`You are a helpful AI voice assistant for %s.
Keep responses concise (under 50 words) and natural for voice conversation.
Be professional, friendly, and helpful. Answer customer questions about products, orders, and general inquiries.`, shopDomain)
}

// CustomerSuffix returns a system-prompt suffix identifying the customer,
// or "" when no identity has been shared.
func CustomerSuffix(name, email string) string {
	if name == "" && email == "" {
		return ""
	}
	if email == "" {
		return fmt.Sprintf("\nThe customer you are speaking with is %s.", name)
	}
	if name == "" {
		return fmt.Sprintf("\nThe customer you are speaking with can be reached at %s.", email)
	}
	return fmt.Sprintf("\nThe customer you are speaking with is %s (%s).", name, email)
}

// DefaultGreeting is sent on connection.established when the tenant has not
// configured a greeting message.
const DefaultGreeting = "Hi! How can I help you today?"
