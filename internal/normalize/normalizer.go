package normalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/imagebank/internal/ollama"
)

const (
	extractionTimeout = 3 * time.Second
	defaultMemoSize   = 512
)

// Chatter is the subset of the Ollama client the normalizer needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

const systemPrompt = `You turn requests for stock photography into search intent. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

Rules:
- "phrases": at most 2 multi-word concepts that must stay together (e.g. "coffee shop", "sushi restaurant").
- "terms": at most 8 single words describing visual qualities, subjects, mood or setting.
- Use lowercase. Do not include words like photo, image, hero or background.
- Do not invent subjects that are not implied by the request.`

// Normalizer turns free-text image requests into a canonical Intent.
type Normalizer struct {
	client Chatter
	model  string
	memo   *lru.Cache[string, Intent]
	logger *slog.Logger
}

// New creates a Normalizer backed by the given chat model.
func New(client Chatter, model string) *Normalizer {
	memo, _ := lru.New[string, Intent](defaultMemoSize)
	return &Normalizer{client: client, model: model, memo: memo, logger: slog.Default()}
}

// Normalize returns the canonical intent for text and its query string.
// It never fails: when the model is unavailable or returns nothing usable
// the whole lowercased input becomes a single term.
func (n *Normalizer) Normalize(ctx context.Context, text string) (Intent, string) {
	key := strings.TrimSpace(text)
	if key == "" {
		return Intent{}, ""
	}
	if in, ok := n.memo.Get(key); ok {
		return in, BuildQueryString(in)
	}

	in, ok := n.extract(ctx, key)
	if !ok {
		in = Fallback(key)
		return in, BuildQueryString(in)
	}
	n.memo.Add(key, in)
	return in, BuildQueryString(in)
}

// Fallback is the degraded intent used when extraction yields nothing.
func Fallback(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Intent{}
	}
	return Intent{Terms: []string{t}}
}

func (n *Normalizer) extract(ctx context.Context, text string) (Intent, bool) {
	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := n.client.Chat(ctx, n.model, []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}, intentSchema())
	if err != nil {
		n.logger.Warn("query normalization chat failed", "error", err)
		return Intent{}, false
	}
	if strings.TrimSpace(raw) == "" {
		return Intent{}, false
	}

	var in Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		n.logger.Warn("failed to unmarshal intent from LLM response", "error", err, "response", raw)
		return Intent{}, false
	}
	in = EnforceRules(in)
	if in.IsEmpty() {
		return Intent{}, false
	}
	return in, true
}

func intentSchema() *ollama.Schema {
	str := &ollama.SchemaProperty{Type: "string"}
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"phrases": {Type: "array", Items: str, Description: "Up to 2 multi-word phrases"},
			"terms":   {Type: "array", Items: str, Description: "Up to 8 single-word visual terms"},
		},
		Required: []string{"phrases", "terms"},
	}
}
