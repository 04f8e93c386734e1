package cognition

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Describer turns a base64-encoded camera frame into a short text
// description. Raw image bytes never cross the realtime session; the
// description travels instead.
type Describer interface {
	Describe(ctx context.Context, imageB64 string) (string, error)
}

// DefaultVisionModel is the chat model used for image description.
const DefaultVisionModel = oai.ChatModelGPT4oMini

var _ Describer = (*OpenAIDescriber)(nil)

// OpenAIDescriber describes images out of band via the chat completions API.
type OpenAIDescriber struct {
	client oai.Client
	model  string
}

// NewOpenAIDescriber creates the describer. An empty model selects
// [DefaultVisionModel].
func NewOpenAIDescriber(apiKey, model string) (*OpenAIDescriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("cognition: vision api key must not be empty")
	}
	if model == "" {
		model = DefaultVisionModel
	}
	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	)
	return &OpenAIDescriber{client: client, model: model}, nil
}

// Describe implements [Describer].
func (d *OpenAIDescriber) Describe(ctx context.Context, imageB64 string) (string, error) {
	resp, err := d.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: d.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			{
				OfUser: &oai.ChatCompletionUserMessageParam{
					Content: oai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: []oai.ChatCompletionContentPartUnionParam{
							oai.TextContentPart("Describe what the camera sees in one or two short sentences."),
							oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
								URL: "data:image/jpeg;base64," + imageB64,
							}),
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("cognition: describe image: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("cognition: describe image: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
