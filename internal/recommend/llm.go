package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ashureev/perfumaria/internal/domain"
)

const consultantPrompt = `Você é um consultor de fragrâncias de uma perfumaria brasileira.
Conduza uma conversa curta para entender o perfil do cliente (ocasião, notas preferidas,
intensidade, orçamento) e, quando tiver informação suficiente, recomende perfumes do catálogo.

Responda sempre com um objeto JSON, sem texto adicional:
{"content": "sua mensagem ao cliente", "isComplete": false, "recommendations": ["id-do-perfume"]}

Use "isComplete": true apenas quando a recomendação final for entregue.
Omita "recommendations" enquanto ainda estiver fazendo perguntas.`

const continuePrompt = "Continue a partir de onde parou."

// LLMConfig configures the OpenAI-compatible chat model.
type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAIModel creates the chat model used by LLMRecommender.
func NewOpenAIModel(ctx context.Context, cfg LLMConfig) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrMisconfigured)
	}
	modelConfig := &einoopenai.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
	}
	if cfg.BaseURL != "" {
		modelConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		modelConfig.Timeout = cfg.Timeout
	} else {
		modelConfig.Timeout = 60 * time.Second
	}
	temp := float32(0.7)
	modelConfig.Temperature = &temp

	return einoopenai.NewChatModel(ctx, modelConfig)
}

// LLMRecommender runs conversation turns directly against a chat model.
type LLMRecommender struct {
	model  model.BaseChatModel
	logger *slog.Logger
}

var _ Recommender = (*LLMRecommender)(nil)

// NewLLMRecommender creates a recommender backed by m.
func NewLLMRecommender(m model.BaseChatModel, logger *slog.Logger) *LLMRecommender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRecommender{model: m, logger: logger}
}

// Recommend generates the assistant reply for the conversation in req.
func (r *LLMRecommender) Recommend(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]*schema.Message, 0, len(req.ConversationHistory)+2)
	msgs = append(msgs, &schema.Message{Role: schema.System, Content: consultantPrompt})
	for _, h := range req.ConversationHistory {
		switch h.Role {
		case domain.RoleAssistant:
			msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: h.Content})
		default:
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: h.Content})
		}
	}
	if req.Message == domain.ContinueMarker {
		msgs = append(msgs, &schema.Message{Role: schema.User, Content: continuePrompt})
	}

	out, err := r.model.Generate(ctx, msgs)
	if err != nil {
		r.logger.Warn("LLM generate failed", "error", err)
		return nil, Classify(err)
	}
	return parseResponse(out.Content), nil
}

// parseResponse decodes the model output, accepting fenced JSON. Anything
// that is not the expected object is treated as a plain reply.
func parseResponse(content string) *Response {
	raw := strings.TrimSpace(content)
	if strings.HasPrefix(raw, "```") {
		lines := strings.Split(raw, "\n")
		var body []string
		inBlock := false
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inBlock = !inBlock
				continue
			}
			if inBlock {
				body = append(body, line)
			}
		}
		raw = strings.Join(body, "\n")
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || resp.Content == "" {
		return &Response{Content: strings.TrimSpace(content)}
	}
	return &resp
}
