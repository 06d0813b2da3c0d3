// Package shopify looks up order status against a store's admin API on
// behalf of the conversation orchestrator's tool dispatch.
package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopvoice/relay/internal/metrics"
)

const apiVersion = "2024-01"

// ErrOrderNotFound reports that the store has no order with that number.
var ErrOrderNotFound = errors.New("shopify: order not found")

// OrderLookup resolves an order number into a natural-language status line.
// Raw structured data never leaves this boundary.
type OrderLookup interface {
	OrderStatus(ctx context.Context, shopDomain, accessToken, orderNumber string) (string, error)
}

// Client queries the Shopify admin orders API.
type Client struct {
	client *http.Client
	scheme string // overridable for tests
}

// NewClient creates an admin API client.
func NewClient(client *http.Client) *Client {
	return &Client{client: client, scheme: "https"}
}

type order struct {
	FulfillmentStatus string `json:"fulfillment_status"`
	TotalPrice        string `json:"total_price"`
	TrackingNumber    string `json:"tracking_number"`
	LineItems         []struct {
		Title string `json:"title"`
	} `json:"line_items"`
}

// OrderStatus fetches the order and formats a sentence suitable for a voice
// reply: status, total, item count, and tracking when present.
func (c *Client) OrderStatus(ctx context.Context, shopDomain, accessToken, orderNumber string) (string, error) {
	apiURL := fmt.Sprintf("%s://%s/admin/api/%s/orders.json?name=%s",
		c.scheme, shopDomain, apiVersion, url.QueryEscape(orderNumber))

	req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("shopify: create request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("order_lookup", "http").Inc()
		return "", fmt.Errorf("shopify: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("order_lookup", "status").Inc()
		return "", fmt.Errorf("shopify: status %d", resp.StatusCode)
	}

	var payload struct {
		Orders []order `json:"orders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("shopify: decode: %w", err)
	}
	if len(payload.Orders) == 0 {
		return "", ErrOrderNotFound
	}

	return formatOrder(orderNumber, payload.Orders[0]), nil
}

func formatOrder(orderNumber string, o order) string {
	status := o.FulfillmentStatus
	if status == "" {
		status = "pending"
	}
	tracking := "No tracking info yet."
	if o.TrackingNumber != "" {
		tracking = "Tracking number: " + o.TrackingNumber + "."
	}
	return fmt.Sprintf("Order #%s: Status is %s. Total: $%s for %d item(s). %s",
		orderNumber, status, o.TotalPrice, len(o.LineItems), tracking)
}
