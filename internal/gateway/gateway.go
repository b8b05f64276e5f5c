package gateway

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/m2tx/portfolio_lab/internal/model"
	"google.golang.org/genai"
)

// ArchitectThinkingBudget is the token allowance the provider may spend
// deliberating before answering AskArchitect.
const ArchitectThinkingBudget int32 = 32768

const (
	defaultKnowledgeTopK = 3
	defaultImageMIMEType = "image/png"
)

// Models names the backing model used for each intent.
type Models struct {
	Chat            string `mapstructure:"chat" yaml:"chat"`
	Architect       string `mapstructure:"architect" yaml:"architect"`
	Search          string `mapstructure:"search" yaml:"search"`
	Location        string `mapstructure:"location" yaml:"location"`
	ImageGeneration string `mapstructure:"image_generation" yaml:"image_generation"`
	ImageEditing    string `mapstructure:"image_editing" yaml:"image_editing"`
}

func DefaultModels() Models {
	return Models{
		Chat:            "gemini-3-pro-preview",
		Architect:       "gemini-3-pro-preview",
		Search:          "gemini-3-flash-preview",
		Location:        "gemini-2.5-flash",
		ImageGeneration: "gemini-3-pro-image-preview",
		ImageEditing:    "gemini-2.5-flash-image",
	}
}

// WithDefaults fills every blank identifier from DefaultModels.
func (m Models) WithDefaults() Models {
	d := DefaultModels()
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	return Models{
		Chat:            pick(m.Chat, d.Chat),
		Architect:       pick(m.Architect, d.Architect),
		Search:          pick(m.Search, d.Search),
		Location:        pick(m.Location, d.Location),
		ImageGeneration: pick(m.ImageGeneration, d.ImageGeneration),
		ImageEditing:    pick(m.ImageEditing, d.ImageEditing),
	}
}

// Retriever supplies portfolio excerpts relevant to a chat message.
type Retriever interface {
	Excerpts(query string, topK int) ([]string, error)
}

type modelsClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type chatSession interface {
	SendMessageStream(ctx context.Context, parts ...genai.Part) iter.Seq2[*genai.GenerateContentResponse, error]
}

type chatStarter interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (c genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := c.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Gateway maps caller intents onto single provider calls. It holds no
// per-call state and is safe for concurrent use.
type Gateway struct {
	models          modelsClient
	chats           chatStarter
	modelIDs        Models
	chatInstruction string
	retriever       Retriever
	knowledgeTopK   int
	logger          *slog.Logger
}

type Option func(*Gateway)

func WithModels(m Models) Option {
	return func(g *Gateway) {
		g.modelIDs = m.WithDefaults()
	}
}

// WithChatInstruction sets the system instruction of every chat session.
func WithChatInstruction(instruction string) Option {
	return func(g *Gateway) {
		g.chatInstruction = strings.TrimSpace(instruction)
	}
}

// WithRetriever grounds chat sessions on the topK excerpts returned by r.
func WithRetriever(r Retriever, topK int) Option {
	return func(g *Gateway) {
		g.retriever = r
		if topK > 0 {
			g.knowledgeTopK = topK
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New builds a Gateway over a shared genai client.
func New(client *genai.Client, opts ...Option) *Gateway {
	return newGateway(client.Models, genaiChats{chats: client.Chats}, opts...)
}

func newGateway(models modelsClient, chats chatStarter, opts ...Option) *Gateway {
	g := &Gateway{
		models:        models,
		chats:         chats,
		modelIDs:      DefaultModels(),
		knowledgeTopK: defaultKnowledgeTopK,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ModelIDs reports the model used per intent.
func (g *Gateway) ModelIDs() Models {
	return g.modelIDs
}

// SendChatMessage replays history into a new chat session and streams the
// answer to message. The attachment, when present, precedes the text.
func (g *Gateway) SendChatMessage(ctx context.Context, history model.ConversationHistory, message string, attachment *model.Attachment) (*Stream, error) {
	parts := make([]genai.Part, 0, 2)
	if attachment != nil {
		if err := attachment.Validate(); err != nil {
			return nil, err
		}
		parts = append(parts, genai.Part{
			InlineData: &genai.Blob{Data: attachment.Data, MIMEType: attachment.MIMEType},
		})
	}
	parts = append(parts, genai.Part{Text: message})

	contents, err := toGenAIContents(history)
	if err != nil {
		return nil, err
	}

	config, err := g.chatConfig(message)
	if err != nil {
		return nil, err
	}

	g.logCall("chat", g.modelIDs.Chat, "history_turns", len(history), "attachment", attachment != nil)
	chat, err := g.chats.Create(ctx, g.modelIDs.Chat, config, contents)
	if err != nil {
		return nil, err
	}

	return NewStream(chat.SendMessageStream(ctx, parts...)), nil
}

func (g *Gateway) chatConfig(message string) (*genai.GenerateContentConfig, error) {
	sections := []string{}
	if g.chatInstruction != "" {
		sections = append(sections, g.chatInstruction)
	}

	if g.retriever != nil {
		excerpts, err := g.retriever.Excerpts(message, g.knowledgeTopK)
		if err != nil {
			return nil, fmt.Errorf("gateway: retrieve excerpts: %w", err)
		}
		if len(excerpts) > 0 {
			sections = append(sections, "Relevant excerpts from the portfolio documents:\n\n"+strings.Join(excerpts, "\n\n---\n\n"))
		}
	}

	if len(sections) == 0 {
		return nil, nil
	}

	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(sections, "\n\n")}},
		},
	}, nil
}

// AskArchitect streams an answer produced with the fixed extended thinking budget.
func (g *Gateway) AskArchitect(ctx context.Context, prompt string) (*Stream, error) {
	g.logCall("architect", g.modelIDs.Architect, "thinking_budget", ArchitectThinkingBudget)
	seq := g.models.GenerateContentStream(ctx, g.modelIDs.Architect, genai.Text(prompt), &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(ArchitectThinkingBudget),
		},
	})
	return NewStream(seq), nil
}

// SearchMarketTrends answers query with web search grounding enabled.
func (g *Gateway) SearchMarketTrends(ctx context.Context, query string) (*model.Response, error) {
	return g.generate(ctx, "search", g.modelIDs.Search, genai.Text(query), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
}

// QueryLocationServices answers query with maps grounding enabled. A nil loc
// sends no retrieval bias.
func (g *Gateway) QueryLocationServices(ctx context.Context, query string, loc *model.LatLng) (*model.Response, error) {
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
	}
	if loc != nil {
		config.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{
					Latitude:  genai.Ptr(loc.Latitude),
					Longitude: genai.Ptr(loc.Longitude),
				},
			},
		}
	}

	return g.generate(ctx, "location", g.modelIDs.Location, genai.Text(query), config)
}

// GenerateHighFidelityImage asks for a new image at the given resolution tier.
func (g *Gateway) GenerateHighFidelityImage(ctx context.Context, prompt string, size model.ImageSize) (*model.Response, error) {
	if err := size.Validate(); err != nil {
		return nil, err
	}

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: prompt}},
	}}
	return g.generate(ctx, "image_generation", g.modelIDs.ImageGeneration, contents, &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{ImageSize: string(size)},
	})
}

// EditImage sends the original image followed by the editing instruction.
func (g *Gateway) EditImage(ctx context.Context, original []byte, prompt string, mimeType string) (*model.Response, error) {
	attachment := model.Attachment{Data: original, MIMEType: mimeType}
	if err := attachment.Validate(); err != nil {
		return nil, err
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: original, MIMEType: mimeType}},
			{Text: prompt},
		},
	}}
	return g.generate(ctx, "image_editing", g.modelIDs.ImageEditing, contents, nil)
}

// generate makes exactly one provider call and returns provider errors untouched.
func (g *Gateway) generate(ctx context.Context, operation, modelID string, contents []*genai.Content, config *genai.GenerateContentConfig) (*model.Response, error) {
	g.logCall(operation, modelID)
	resp, err := g.models.GenerateContent(ctx, modelID, contents, config)
	if err != nil {
		return nil, err
	}

	return toModelResponse(resp), nil
}

func (g *Gateway) logCall(operation, modelID string, attrs ...any) {
	g.logger.Debug("gateway_call", append([]any{"operation", operation, "model", modelID}, attrs...)...)
}
