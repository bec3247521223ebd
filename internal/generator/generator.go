// Package generator produces the final grounded answer from retrieved context.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qribar/answerd/internal/knowledge"
	"github.com/qribar/answerd/internal/llm"
	"github.com/qribar/answerd/internal/logging"
)

// ErrGenerationFailed indicates answer generation failed. Generation has no
// degraded mode; callers surface this as a fatal pipeline error.
var ErrGenerationFailed = errors.New("generation failed")

// defaultTimeout bounds a single generation call.
const defaultTimeout = 20 * time.Second

// maxHistoryMessages limits how many prior turns are included in the prompt.
const maxHistoryMessages = 5

// answerInstructionV2 is the grounding instruction. Bump the version suffix
// when the wording changes so prompt regressions can be traced in logs.
const answerInstructionV2 = `Eres el asistente del sitio web de una agencia de marketing.

Responde a la pregunta del usuario usando EXCLUSIVAMENTE la informacion de los
documentos de contexto proporcionados. Reglas:
- Responde en el idioma de la pregunta del usuario.
- Si el contexto no contiene la respuesta, dilo claramente y sugiere
  contactar con la agencia. No inventes datos, precios ni servicios.
- Cita precios y condiciones exactamente como aparecen en el contexto.
- Se breve y directo, en un tono profesional y cercano.`

// Message is one conversation turn.
type Message struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
}

// Generator produces grounded answers.
type Generator interface {
	Generate(ctx context.Context, query string, docs []knowledge.Document, history []Message) (string, error)
}

// LLMGenerator implements Generator using a completion client.
type LLMGenerator struct {
	client       llm.Client
	timeout      time.Duration
	historyLimit int
	logger       *logging.Logger
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *LLMGenerator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHistoryLimit overrides how many prior turns are included in the prompt.
func WithHistoryLimit(n int) Option {
	return func(g *LLMGenerator) {
		if n > 0 {
			g.historyLimit = n
		}
	}
}

// NewLLMGenerator creates a generator backed by client.
func NewLLMGenerator(client llm.Client, logger *logging.Logger, opts ...Option) (*LLMGenerator, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &LLMGenerator{
		client:       client,
		timeout:      defaultTimeout,
		historyLimit: maxHistoryMessages,
		logger:       logger.Named("generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate produces an answer to query grounded in docs. docs must be
// non-empty; the caller short-circuits the empty case before reaching here.
func (g *LLMGenerator) Generate(ctx context.Context, query string, docs []knowledge.Document, history []Message) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: empty query", ErrGenerationFailed)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: no context documents", ErrGenerationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	answer, err := g.client.Complete(ctx, llm.Request{
		System:      answerInstructionV2,
		Prompt:      BuildPrompt(query, docs, TrimHistory(history, g.historyLimit)),
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: empty answer", ErrGenerationFailed)
	}
	return answer, nil
}

// BuildPrompt renders the context documents, history and query into the
// user-turn prompt. Each document is tagged with its source so the model can
// attribute facts. Callers trim history to their limit before passing it in.
func BuildPrompt(query string, docs []knowledge.Document, history []Message) string {
	var b strings.Builder

	b.WriteString("Contexto:\n")
	for _, doc := range docs {
		fmt.Fprintf(&b, "[fuente: %s]\n%s\n\n", doc.Source, strings.TrimSpace(doc.Content))
	}

	if len(history) > 0 {
		b.WriteString("Conversacion previa:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
		}
		b.WriteString("\n")
	}

	b.WriteString("Pregunta: ")
	b.WriteString(strings.TrimSpace(query))
	return b.String()
}

// TrimHistory keeps the most recent max messages.
func TrimHistory(history []Message, max int) []Message {
	if max <= 0 || len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}

var _ Generator = (*LLMGenerator)(nil)
