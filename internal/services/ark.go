package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/arqam66/chatbot-openai/internal/models"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Ark provides an implementation of the LLM interface for Volcengine Ark models through the eino
// chat model abstraction.
type Ark struct {
	systemPrompt string

	chatModel model.ChatModel

	logger *slog.Logger
}

// ArkConfig describes the credentials and model of an Ark deployment. Either APIKey or the
// AccessKey/SecretKey pair is required.
type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	BaseURL   string
	Region    string
	Model     string
}

// NewArk creates an Ark chat model with the given configuration and system prompt.
func NewArk(ctx context.Context, cfg ArkConfig, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ark, error) {
	if cfg.APIKey == "" && (cfg.AccessKey == "" || cfg.SecretKey == "") {
		return Ark{}, errors.New("ark requires apiKey or accessKey/secretKey")
	}

	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	})
	if err != nil {
		return Ark{}, fmt.Errorf("failed to create ark chat model: %w", err)
	}

	return NewArkWithModel(cm, systemPrompt, logger), nil
}

// NewArkWithModel wraps an already constructed eino chat model.
func NewArkWithModel(cm model.ChatModel, systemPrompt string, logger *slog.Logger) Ark {
	return Ark{
		systemPrompt: systemPrompt,
		chatModel:    cm,
		logger:       logger.With(slog.String("module", "ark")),
	}
}

func arkMessages(messages []models.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(msg.Content))
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(msg.Content, nil))
		default:
			msgs = append(msgs, schema.UserMessage(msg.Content))
		}
	}
	return msgs
}

// Chat streams the model output for the given history.
func (a Ark) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := a.chatModel.Stream(ctx, arkMessages(withSystemPrompt(a.systemPrompt, messages)))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}
}
