// Package llm produces assistant replies from the conversation context via
// the OpenAI chat completions API, including structured tool-call requests.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/shopvoice/relay/internal/metrics"
)

// FallbackReply is used when the model returns an empty completion.
const FallbackReply = "I apologize, I didn't catch that."

// OrderLookupTool is the function name the model uses to request an order
// status lookup instead of a free-text reply.
const OrderLookupTool = "lookup_order"

// Message is one entry of the model context.
type Message struct {
	Role    string
	Content string
}

// ToolCall is a structured function-call request from the model.
type ToolCall struct {
	Name      string
	Arguments string // raw JSON as produced by the model
}

// Result is a completed model response: either reply text or a tool call.
type Result struct {
	Text      string
	ToolCall  *ToolCall
	LatencyMs float64
}

// Request is one model invocation.
type Request struct {
	Messages []Message
	// OfferOrderLookup exposes the lookup_order tool; only set when the
	// tenant has store credentials to execute it with.
	OfferOrderLookup bool
}

// Chatter is the model client consumed by the orchestrator.
type Chatter interface {
	Chat(ctx context.Context, req Request) (*Result, error)
}

// Config holds OpenAI client settings.
type Config struct {
	APIKey      string
	BaseURL     string // override for tests; empty means api.openai.com
	Model       string
	MaxTokens   int
	Temperature float64 // negative selects the 0.7 default; zero is honored
}

// OpenAIClient streams chat completions from the OpenAI API.
type OpenAIClient struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIClient creates an OpenAI chat client.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4o
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = 0.7
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Chat streams one completion and accumulates it. The stream runs until the
// provider signals completion; a dead connection surfaces as a stream error.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    toUnionMessages(req.Messages),
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(c.temperature),
	}
	if req.OfferOrderLookup {
		params.Tools = []openai.ChatCompletionToolUnionParam{orderLookupTool()}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		acc.AddChunk(stream.Current())
	}
	if err := stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, fmt.Errorf("llm: stream: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(latency.Seconds())

	result := &Result{LatencyMs: float64(latency.Milliseconds())}
	if len(acc.Choices) == 0 {
		result.Text = FallbackReply
		return result, nil
	}

	msg := acc.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		result.ToolCall = &ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		return result, nil
	}

	result.Text = strings.TrimSpace(msg.Content)
	if result.Text == "" {
		result.Text = FallbackReply
	}
	return result, nil
}

func toUnionMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func orderLookupTool() openai.ChatCompletionToolUnionParam {
	return openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
		Name:        OrderLookupTool,
		Description: openai.String("Look up the status of a customer's order by its order number."),
		Parameters: shared.FunctionParameters{
			"type": "object",
			"properties": map[string]any{
				"order_number": map[string]any{
					"type":        "string",
					"description": "The order number the customer mentioned, digits only.",
				},
			},
			"required": []string{"order_number"},
		},
	})
}
