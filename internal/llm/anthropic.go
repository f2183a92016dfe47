package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API, backed by
// the official SDK rather than a hand-rolled REST/SSE implementation.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params, err := c.buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
		"stream", false,
	)

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	resp := convertFromAnthropic(message)
	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", resp.Message.Content)
	return resp, nil
}

// ChatStream sends a chat request, streaming tokens to callback as they arrive.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params, err := c.buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("preparing streaming request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	stream := c.client.Messages.NewStreaming(ctx, params)

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
		model_         string
		inputTokens    int
		outputTokens   int
		toolInputBufs  = make(map[int64]*strings.Builder)
		blockToCall    = make(map[int64]int)
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			model_ = event.Message.Model
			inputTokens = int(event.Message.Usage.InputTokens)

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				idx := len(toolCalls)
				toolCalls = append(toolCalls, ToolCall{ID: event.ContentBlock.ID})
				toolCalls[idx].Function.Name = event.ContentBlock.Name
				toolInputBufs[event.Index] = &strings.Builder{}
				blockToCall[event.Index] = idx
				callback(StreamEvent{Kind: KindToolCallStart, Tool: event.ContentBlock.Name})
			}

		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					contentBuilder.WriteString(event.Delta.Text)
					callback(StreamEvent{Kind: KindToken, Token: event.Delta.Text})
				}
			case "input_json_delta":
				if buf, ok := toolInputBufs[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if buf, ok := toolInputBufs[event.Index]; ok {
				if idx, ok := blockToCall[event.Index]; ok {
					var args map[string]any
					if buf.Len() > 0 {
						if err := json.Unmarshal([]byte(buf.String()), &args); err != nil {
							args = map[string]any{"_raw": buf.String()}
						}
					} else {
						args = map[string]any{}
					}
					toolCalls[idx].Function.Arguments = args
					callback(StreamEvent{Kind: KindToolCallDone, Tool: toolCalls[idx].Function.Name})
				}
				delete(toolInputBufs, event.Index)
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				outputTokens = int(event.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("anthropic stream error: %w", err)
	}

	resp := &ChatResponse{
		Model: model_,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)
	return resp, nil
}

// Ping checks if the Anthropic API is reachable by sending a minimal request.
// Anthropic has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaude3_5HaikuLatest,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic ping failed: %w", err)
	}
	return nil
}

// buildParams converts internal messages/tools into SDK request params,
// extracting system messages into the SDK's dedicated System field.
func (c *AnthropicClient) buildParams(model string, messages []Message, tools []map[string]any) (anthropic.MessageNewParams, error) {
	sdkMessages, system := convertToAnthropic(messages)
	if len(sdkMessages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("no valid messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  sdkMessages,
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if sdkTools := convertToolsToAnthropic(tools); len(sdkTools) > 0 {
		unions := make([]anthropic.ToolUnionParam, len(sdkTools))
		for i := range sdkTools {
			unions[i] = anthropic.ToolUnionParam{OfTool: &sdkTools[i]}
		}
		params.Tools = unions
	}
	return params, nil
}

// convertToAnthropic converts internal messages to SDK message params.
// Extracts system messages into a separate system prompt.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}

		case "user":
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to the SDK's tool params.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolParam {
	if len(tools) == 0 {
		return nil
	}

	var result []anthropic.ToolParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		schemaJSON, err := json.Marshal(params)
		if err != nil {
			continue
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &inputSchema); err != nil {
			continue
		}

		result = append(result, anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: inputSchema,
		})
	}
	return result
}

// convertFromAnthropic converts an SDK message response to our internal format.
func convertFromAnthropic(msg *anthropic.Message) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			if args == nil {
				args = map[string]any{}
			}
			tc := ToolCall{ID: block.ID}
			tc.Function.Name = block.Name
			tc.Function.Arguments = args
			toolCalls = append(toolCalls, tc)
		}
	}

	return &ChatResponse{
		Model: string(msg.Model),
		Message: Message{
			Role:      string(msg.Role),
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}
