package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jkoelker/newtab/api"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/tracing"
)

// Chat completion defaults for the OpenRouter-compatible endpoint.
const (
	DefaultChatBaseURL = "https://openrouter.ai/api/v1"
	DefaultChatModel   = "deepseek/deepseek-chat"
	DefaultChatTitle   = "New Tab"

	chatTemperature = 0.7
	chatMaxTokens   = 2000
	chatPath        = "/chat/completions"
)

// ErrChatUnconfigured is returned by Complete when no API key is set.
var ErrChatUnconfigured = errors.New("chat API key is not configured")

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions configures a Chat.
type ChatOptions struct {
	APIKey  string
	BaseURL string
	Model   string

	// Referer and Title identify the caller to OpenRouter.
	Referer string
	Title   string

	// HTTPClient defaults to api.NewHTTPClient. Installation credentials
	// are never attached to chat requests.
	HTTPClient *http.Client
}

// Chat sends conversations to a chat completion API.
type Chat struct {
	opts   ChatOptions
	client *http.Client
}

// NewChat creates a chat client.
func NewChat(opts ChatOptions) *Chat {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultChatBaseURL
	}

	if opts.Model == "" {
		opts.Model = DefaultChatModel
	}

	if opts.Title == "" {
		opts.Title = DefaultChatTitle
	}

	client := opts.HTTPClient
	if client == nil {
		client = api.NewHTTPClient()
	}

	return &Chat{opts: opts, client: client}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete returns the assistant's reply to messages.
func (c *Chat) Complete(ctx context.Context, messages []Message) (Message, error) {
	if c.opts.APIKey == "" {
		return Message{}, ErrChatUnconfigured
	}

	ctx, span := tracing.StartSpan(ctx, "feeds.chat", "model", c.opts.Model)
	defer span.End()

	reply, err := c.complete(ctx, messages)
	if err != nil {
		tracing.SetError(ctx, err)
		log.Error(ctx, err, "Chat request failed", "model", c.opts.Model)

		return Message{}, err
	}

	return reply, nil
}

func (c *Chat) complete(ctx context.Context, messages []Message) (Message, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: chatTemperature,
		MaxTokens:   chatMaxTokens,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(c.opts.BaseURL, "/") + chatPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Message{}, fmt.Errorf("create chat request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", c.opts.Title)

	if c.opts.Referer != "" {
		req.Header.Set("HTTP-Referer", c.opts.Referer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Message{}, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Message{}, &api.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Message{}, fmt.Errorf("decode chat response: %w", err)
	}

	if len(decoded.Choices) == 0 {
		return Message{}, ErrNoData
	}

	return decoded.Choices[0].Message, nil
}
