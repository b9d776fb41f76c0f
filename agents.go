package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"
	providerOllama    = "ollama"
)

// Warm-up request, sent once before a batch to open the model session.
const (
	warmupSystemPrompt = "You are the editor of a business magazine focused on investments and finance."
	warmupUserPrompt   = "Tell me about the company Rosbank."
	warmupTemperature  = 0.5
	warmupMaxTokens    = 10
)

// ChatRequest is one system+user exchange with the text-generation service
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	TopP        float64 // zero leaves the provider default
}

// ChatClient sends a single chat completion and returns the reply text
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// providerFor normalizes the provider name from config
func providerFor(name string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(name)); p {
	case "":
		return providerOpenAI, nil
	case providerOpenAI, providerAnthropic, providerOllama:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported provider %q (want %s, %s or %s)", name, providerOpenAI, providerAnthropic, providerOllama)
	}
}

// NewChatClient creates the backend named by settings.Provider
func NewChatClient(s Settings) (ChatClient, error) {
	provider, err := providerFor(s.Provider)
	if err != nil {
		return nil, err
	}
	if s.Creds == "" && provider != providerOllama {
		return nil, errors.New("credentials required: set creds in config or NEWS_SYNTH_CREDS")
	}

	switch provider {
	case providerAnthropic:
		return &AnthropicChatClient{apiKey: s.Creds}, nil
	case providerOllama:
		return &OllamaChatClient{serverURL: s.BaseURL}, nil
	default:
		return NewOpenAIChatClient(s.Creds, s.BaseURL, s.Timeout()), nil
	}
}

// OpenAIChatClient talks to OpenAI or any endpoint compatible with its chat completions API
type OpenAIChatClient struct {
	client *openai.Client
}

func NewOpenAIChatClient(apiKey, baseURL string, timeout time.Duration) *OpenAIChatClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIChatClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIChatClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		}),
		Model:       openai.F(openai.ChatModel(req.Model)),
		Temperature: openai.F(req.Temperature),
		MaxTokens:   openai.F(int64(req.MaxTokens)),
	}
	if req.TopP > 0 {
		params.TopP = openai.F(req.TopP)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("no content in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicChatClient uses llmkit's one-shot prompt helper
type AnthropicChatClient struct {
	apiKey string
}

func (c *AnthropicChatClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Anthropic accepts temperatures in [0, 1].
	settings := types.RequestSettings{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: math.Min(req.Temperature, 1),
	}
	response, err := anthropic.PromptWithSettings(req.System, req.User, "", c.apiKey, settings)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	if len(response.Content) == 0 || strings.TrimSpace(response.Content[0].Text) == "" {
		return "", errors.New("no content in response")
	}
	return response.Content[0].Text, nil
}

// OllamaChatClient runs prompts against a local Ollama server through langchaingo
type OllamaChatClient struct {
	serverURL string
}

func (c *OllamaChatClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	opts := []ollama.Option{ollama.WithModel(req.Model)}
	if c.serverURL != "" {
		opts = append(opts, ollama.WithServerURL(c.serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return "", fmt.Errorf("creating ollama client: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.User),
	}
	callOpts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	}
	if req.TopP > 0 {
		callOpts = append(callOpts, llms.WithTopP(req.TopP))
	}

	resp, err := llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("ollama error: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", errors.New("no content in response")
	}
	return resp.Choices[0].Content, nil
}

// GenerationSettings are the fixed sampling parameters of a run
type GenerationSettings struct {
	Model         string
	FallbackModel string
	MaxTokens     int
	TopP          float64
	Timeout       time.Duration
}

// GenerationSettingsFrom extracts the sampling parameters from loaded settings
func GenerationSettingsFrom(s Settings) GenerationSettings {
	return GenerationSettings{
		Model:         s.Model,
		FallbackModel: s.FallbackModel,
		MaxTokens:     s.MaxTokens,
		TopP:          s.TopP,
		Timeout:       s.Timeout(),
	}
}

// TextGenerator is the text-generation service as the pipelines see it
type TextGenerator struct {
	client   ChatClient
	settings GenerationSettings
}

func NewTextGenerator(client ChatClient, settings GenerationSettings) *TextGenerator {
	return &TextGenerator{client: client, settings: settings}
}

// Model returns the primary model name
func (g *TextGenerator) Model() string {
	return g.settings.Model
}

// Generate sends one system+user exchange at the given temperature
func (g *TextGenerator) Generate(ctx context.Context, system, user string, temperature float64) (string, error) {
	return g.complete(ctx, ChatRequest{
		Model:       g.settings.Model,
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   g.settings.MaxTokens,
		TopP:        g.settings.TopP,
	})
}

func (g *TextGenerator) complete(ctx context.Context, req ChatRequest) (string, error) {
	if g.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.settings.Timeout)
		defer cancel()
	}
	return g.client.Complete(ctx, req)
}

// WarmupOutcome tags which of the two warm-up attempts succeeded
type WarmupOutcome int

const (
	WarmupPrimary WarmupOutcome = iota
	WarmupFallback
	WarmupFailed
)

func (o WarmupOutcome) String() string {
	switch o {
	case WarmupPrimary:
		return "primary"
	case WarmupFallback:
		return "fallback"
	default:
		return "failed"
	}
}

// WarmupResult keeps the error of every attempt that was made
type WarmupResult struct {
	Outcome     WarmupOutcome
	Model       string
	Reply       string
	PrimaryErr  error
	FallbackErr error
}

// Err is non-nil only when both attempts failed
func (r WarmupResult) Err() error {
	if r.Outcome != WarmupFailed {
		return nil
	}
	return &ServiceError{
		Stage: "warmup",
		Model: r.Model,
		Err:   errors.Join(r.PrimaryErr, r.FallbackErr),
	}
}

// Warmup sends a throwaway request with the configured model, then once with the fallback model.
func (g *TextGenerator) Warmup(ctx context.Context) WarmupResult {
	req := ChatRequest{
		Model:       g.settings.Model,
		System:      warmupSystemPrompt,
		User:        warmupUserPrompt,
		Temperature: warmupTemperature,
		MaxTokens:   warmupMaxTokens,
	}

	reply, err := g.complete(ctx, req)
	if err == nil {
		return WarmupResult{Outcome: WarmupPrimary, Model: req.Model, Reply: reply}
	}
	result := WarmupResult{Outcome: WarmupFailed, Model: req.Model, PrimaryErr: fmt.Errorf("model %s: %w", req.Model, err)}

	if g.settings.FallbackModel == "" {
		result.FallbackErr = errors.New("no fallback model configured")
		return result
	}

	log.Warn().Err(err).
		Str("model", req.Model).
		Str("fallback_model", g.settings.FallbackModel).
		Msg("Warm-up failed, retrying with fallback model")

	req.Model = g.settings.FallbackModel
	result.Model = req.Model
	reply, err = g.complete(ctx, req)
	if err != nil {
		result.FallbackErr = fmt.Errorf("model %s: %w", req.Model, err)
		return result
	}

	result.Outcome = WarmupFallback
	result.Reply = reply
	return result
}
