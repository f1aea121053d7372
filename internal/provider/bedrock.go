package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/types"
)

// BedrockClient drives AWS Bedrock: the Converse API for chat models and
// InvokeModel for Titan-style embeddings.
type BedrockClient struct {
	runtime bedrockConverseAPI
}

// bedrockConverseAPI is the slice of the Bedrock runtime SDK this client
// uses; tests substitute a fake.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

func NewBedrockClient(ctx context.Context, cfg config.ProviderConfig) (*BedrockClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockClient{runtime: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (b *BedrockClient) Name() types.Provider { return types.ProviderBedrock }

func (b *BedrockClient) Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error) {
	var system []brtypes.SystemContentBlock
	var brMessages []brtypes.Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		brMessages = append(brMessages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	inference := &brtypes.InferenceConfiguration{}
	if params.MaxTokens != nil {
		inference.MaxTokens = aws.Int32(int32(*params.MaxTokens))
	}
	if params.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*params.Temperature))
	}
	if params.TopP != nil {
		inference.TopP = aws.Float32(float32(*params.TopP))
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		Messages:        brMessages,
		InferenceConfig: inference,
	}
	if len(system) > 0 {
		input.System = system
	}

	out, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	var content string
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				content = text.Value
				break
			}
		}
	}

	usage := types.Usage{}
	if out.Usage != nil {
		usage = types.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	return &types.ChatResponse{
		Model:    model,
		Provider: types.ProviderBedrock,
		Choices: []types.Choice{
			{
				Index: 0,
				Message: types.Message{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: mapBedrockStopReason(out.StopReason),
			},
		},
		Usage: usage,
	}, nil
}

func (b *BedrockClient) Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error) {
	body, err := json.Marshal(map[string]string{"inputText": text})
	if err != nil {
		return nil, transportError(types.ProviderBedrock, fmt.Errorf("marshal embedding request: %w", err))
	}

	out, err := b.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	var parsed struct {
		Embedding           []float64 `json:"embedding"`
		InputTextTokenCount int       `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, transportError(types.ProviderBedrock, fmt.Errorf("unmarshal embedding response: %w", err))
	}

	return &types.EmbeddingResponse{
		Model:     model,
		Provider:  types.ProviderBedrock,
		Embedding: parsed.Embedding,
		Usage: types.Usage{
			PromptTokens: parsed.InputTextTokenCount,
			TotalTokens:  parsed.InputTextTokenCount,
		},
	}, nil
}

// classifyBedrockError folds the SDK's typed exceptions into the outcome
// enum. Anything unrecognized falls back to message sniffing, then to
// transport error.
func classifyBedrockError(err error) *CallError {
	outcome := types.OutcomeTransportError

	var throttled *brtypes.ThrottlingException
	var quota *brtypes.ServiceQuotaExceededException
	var validation *brtypes.ValidationException
	var notFound *brtypes.ResourceNotFoundException
	var modelErr *brtypes.ModelErrorException
	var apiErr smithy.APIError

	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		outcome = types.OutcomeThrottled
	case errors.As(err, &validation), errors.As(err, &notFound), errors.As(err, &modelErr):
		outcome = types.OutcomeRejected
	case errors.As(err, &apiErr):
		if looksThrottled(apiErr.ErrorCode()) || looksThrottled(apiErr.ErrorMessage()) {
			outcome = types.OutcomeThrottled
		}
	default:
		if looksThrottled(err.Error()) {
			outcome = types.OutcomeThrottled
		}
	}

	return &CallError{
		Provider: types.ProviderBedrock,
		Outcome:  outcome,
		Message:  err.Error(),
		Err:      err,
	}
}

func mapBedrockStopReason(reason brtypes.StopReason) string {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return "stop"
	case brtypes.StopReasonMaxTokens:
		return "length"
	default:
		return string(reason)
	}
}
