package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConfigured indicates a client without an API key or base URL.
	ErrNotConfigured = errors.New("llm: client not configured")
	// ErrEmptyResponse indicates a successful call that carried no usable content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 2048
)

// Config describes an OpenAI-compatible endpoint.
type Config struct {
	BaseURL            string
	APIKey             string
	ChatModel          string
	EmbeddingModel     string
	TranscriptionModel string
	Timeout            time.Duration
	HTTPClient         *http.Client
	Logger             *zap.Logger
}

// Client calls chat completion, embedding and transcription endpoints.
type Client struct {
	baseURL            string
	apiKey             string
	chatModel          string
	embeddingModel     string
	transcriptionModel string
	httpClient         *http.Client
	logger             *zap.Logger
}

// NewClient builds a Client. A missing HTTP client gets one with cfg.Timeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:             strings.TrimSpace(cfg.APIKey),
		chatModel:          cfg.ChatModel,
		embeddingModel:     cfg.EmbeddingModel,
		transcriptionModel: cfg.TranscriptionModel,
		httpClient:         httpClient,
		logger:             logger,
	}
}

// Configured reports whether the client can issue requests.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a chat completion request.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSON        bool
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends a non-streaming chat completion and returns the first choice.
func (c *Client) Chat(ctx context.Context, messages []Message, options ChatOptions) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	request := chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	if options.JSON {
		request.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var response chatResponse
	if err := c.postJSON(ctx, "/chat/completions", request, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return response.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var response embeddingResponse
	if err := c.postJSON(ctx, "/embeddings", embeddingRequest{Model: c.embeddingModel, Input: inputs}, &response); err != nil {
		return nil, err
	}
	if len(response.Data) != len(inputs) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmptyResponse, len(inputs), len(response.Data))
	}
	vectors := make([][]float32, len(inputs))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("model", c.transcriptionModel); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	request, err := c.newRequest(ctx, "/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	var response transcriptionResponse
	if err := c.do(request, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.Text) == "" {
		return "", ErrEmptyResponse
	}
	return response.Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	request, err := c.newRequest(ctx, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.do(request, out)
}

func (c *Client) newRequest(ctx context.Context, path string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	return request, nil
}

func (c *Client) do(request *http.Request, out any) error {
	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request %s: %w", request.URL.Path, err)
	}
	defer response.Body.Close()

	c.logger.Debug("llm request completed",
		zap.String("path", request.URL.Path),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		return fmt.Errorf("request %s: status %d: %s", request.URL.Path, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", request.URL.Path, err)
	}
	return nil
}
