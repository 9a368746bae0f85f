package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAITextEmbedder embeds query text through an OpenAI-compatible
// embeddings endpoint. Pointing BaseURL at a CLIP server keeps query
// vectors in the same space as the stored image embeddings.
type OpenAITextEmbedder struct {
	client  *openai.Client
	version string
}

// NewOpenAITextEmbedder builds an embedder for model version. An empty
// baseURL uses the public OpenAI API.
func NewOpenAITextEmbedder(apiKey, baseURL, version string) *OpenAITextEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAITextEmbedder{client: openai.NewClientWithConfig(cfg), version: version}
}

func (e *OpenAITextEmbedder) ModelVersion() string { return e.version }

func (e *OpenAITextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embed text: empty query")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.version),
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embed text: no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}

var _ EmbedsText = (*OpenAITextEmbedder)(nil)
