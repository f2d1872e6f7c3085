package openai

import (
	"context"
	"io"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// Config configures an OpenAI-compatible chat completion client. BaseURL is
// optional for OpenAI itself and required for compatible providers.
type Config struct {
	APIKey       string `mapstructure:"api-key" yaml:"api-key"`
	BaseURL      string `mapstructure:"base-url" yaml:"base-url"`
	DefaultModel string `mapstructure:"model" yaml:"model"`
}

// Client streams chat completions and turns provider deltas into fragments.
type Client struct {
	client       *go_openai.Client
	defaultModel string
}

var _ engine.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	config := go_openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return NewWithClient(go_openai.NewClientWithConfig(config), cfg.DefaultModel), nil
}

func NewWithClient(client *go_openai.Client, defaultModel string) *Client {
	if defaultModel == "" {
		defaultModel = go_openai.GPT4oMini
	}
	return &Client{client: client, defaultModel: defaultModel}
}

func (c *Client) Send(ctx context.Context, messages []conversation.Message, opts engine.Options) (engine.Stream, error) {
	req, err := c.makeRequest(messages, opts)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Int("tools", len(req.Tools)).Msg("OpenAI request")
	stream, err := c.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		return nil, errors.Wrap(err, "openai: could not start stream")
	}

	out := make(chan engine.Fragment)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *Client) makeRequest(messages []conversation.Message, opts engine.Options) (*go_openai.ChatCompletionRequest, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	req := &go_openai.ChatCompletionRequest{
		Model:         model,
		Stream:        true,
		StreamOptions: &go_openai.StreamOptions{IncludeUsage: true},
		MaxTokens:     opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}

	for _, m := range messages {
		req.Messages = append(req.Messages, convertMessage(m))
	}

	for _, td := range opts.Tools {
		params, err := td.ParametersJSON()
		if err != nil {
			return nil, err
		}
		req.Tools = append(req.Tools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  params,
			},
		})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req, nil
}

func convertMessage(m conversation.Message) go_openai.ChatCompletionMessage {
	ret := go_openai.ChatCompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		ret.ToolCalls = append(ret.ToolCalls, go_openai.ToolCall{
			ID:   tc.ID,
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return ret
}

func (c *Client) pump(ctx context.Context, stream *go_openai.ChatCompletionStream, out chan<- engine.Fragment) {
	defer close(out)
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close OpenAI stream")
		}
	}()

	send := func(f engine.Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finishReason := ""
	chunkCount := 0
	for {
		if ctx.Err() != nil {
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI streaming cancelled by context")
			return
		}
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().Int("chunks_received", chunkCount).Msg("OpenAI stream completed")
			send(engine.DoneFragment(finishReason))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("chunks_received", chunkCount).Msg("OpenAI stream receive failed")
			send(engine.ErrorFragment(err))
			return
		}
		chunkCount++

		if response.Usage != nil {
			if !send(engine.UsageFragment(engine.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			})) {
				return
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			if !send(engine.TextFragment(choice.Delta.Content)) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if !send(engine.ToolCallFragment(index, tc.ID, tc.Function.Name, tc.Function.Arguments)) {
				return
			}
		}
	}
}
