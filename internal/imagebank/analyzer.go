package imagebank

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/imagebank/internal/ollama"
)

const (
	analysisTimeout = 90 * time.Second
	maxImageBytes   = 20 << 20
)

// Chatter is the subset of the Ollama client used for vision analysis.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

const analysisPrompt = `Describe this stock photograph for a search index. Your output must be ONLY a single valid JSON object that conforms to the provided schema.

- caption: one or two plain sentences describing what is visible.
- subjects: the main things in the image.
- colors: dominant colors as simple color words.
- style, composition, lighting, mood: a few words each.
- context: where or when the scene takes place, or the business it would suit.`

// VisionAnalyzer captions images with a local vision model.
type VisionAnalyzer struct {
	client     Chatter
	model      string
	httpClient *http.Client
}

// NewVisionAnalyzer creates an analyzer using the given vision model.
func NewVisionAnalyzer(client Chatter, model string) *VisionAnalyzer {
	return &VisionAnalyzer{
		client:     client,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Analyze downloads the image at imageURL and asks the vision model to
// describe it. A response without a caption is an error.
func (a *VisionAnalyzer) Analyze(ctx context.Context, imageURL string) (ImageMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	img, err := a.fetch(ctx, imageURL)
	if err != nil {
		return ImageMetadata{}, err
	}

	raw, err := a.client.Chat(ctx, a.model, []ollama.Message{{
		Role:    "user",
		Content: analysisPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(img)},
	}}, metadataSchema())
	if err != nil {
		return ImageMetadata{}, fmt.Errorf("vision chat: %w", err)
	}

	var meta ImageMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return ImageMetadata{}, fmt.Errorf("decoding image metadata: %w", err)
	}
	meta.Caption = strings.TrimSpace(meta.Caption)
	if meta.Caption == "" {
		return ImageMetadata{}, fmt.Errorf("vision model returned no caption")
	}
	return meta, nil
}

func (a *VisionAnalyzer) fetch(ctx context.Context, url string) ([]byte, error) {
	return download(ctx, a.httpClient, url)
}

// download GETs url, refusing bodies over maxImageBytes.
func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

func metadataSchema() *ollama.Schema {
	str := &ollama.SchemaProperty{Type: "string"}
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"caption":     {Type: "string"},
			"subjects":    {Type: "array", Items: str},
			"colors":      {Type: "array", Items: str},
			"style":       {Type: "string"},
			"composition": {Type: "string"},
			"lighting":    {Type: "string"},
			"mood":        {Type: "string"},
			"context":     {Type: "string"},
		},
		Required: []string{"caption", "subjects", "colors", "style", "composition", "lighting", "mood", "context"},
	}
}

// EmbedClient is the subset of the Ollama client used for embeddings.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// OllamaEmbedder embeds text with a fixed model.
type OllamaEmbedder struct {
	client EmbedClient
	model  string
}

func NewOllamaEmbedder(client EmbedClient, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}
