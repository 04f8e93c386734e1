// Package embed provides an OpenAI-backed [memory.Embedder].
package embed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/nevil-robotics/nevil/pkg/memory"
)

// DefaultModel is the embeddings model used when none is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ memory.Embedder = (*OpenAI)(nil)

// OpenAI embeds text via the OpenAI embeddings API.
type OpenAI struct {
	client oai.Client
	model  string
}

// NewOpenAI creates the embedder. An empty model selects [DefaultModel].
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embed: api key must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	return &OpenAI{client: client, model: model}, nil
}

// Embed implements [memory.Embedder].
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: o.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// Dimensions returns the output dimension of the configured model.
func (o *OpenAI) Dimensions() int {
	switch o.model {
	case oai.EmbeddingModelTextEmbedding3Large:
		return 3072
	default:
		return 1536
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
