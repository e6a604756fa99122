package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/helpdesk/internal/models"
	"go.uber.org/zap"
)

type GPTClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGPTClassifier(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTClassifier {
	return NewGPTClassifierWithClient(openai.NewClient(apiKey), model, maxTokens, temperature, logger)
}

// NewGPTClassifierWithClient uses a preconfigured client, e.g. one pointing at a proxy.
func NewGPTClassifierWithClient(client *openai.Client, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTClassifier {
	return &GPTClassifier{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

const classifyPrompt = `You triage customer support threads into problem categories.

Pick the single category below that best describes the customer's problem.
If none of them is a good fit, answer with null. Only use ids from the list.

Categories:
%s
Thread (newest message first):
%s
Return the response as a JSON object with this structure:
{
    "category_id": "id from the list, or null",
    "explanation": "one sentence"
}`

func (c *GPTClassifier) ClassifyText(ctx context.Context, candidates []Candidate, transcript Transcript) (Verdict, error) {
	var list strings.Builder
	for _, cand := range candidates {
		fmt.Fprintf(&list, "- id: %s\n  title: %s\n  description: %s\n", cand.ID, cand.Title, cand.Description)
	}

	var verdict Verdict
	if err := c.complete(ctx, fmt.Sprintf(classifyPrompt, list.String(), transcript), &verdict); err != nil {
		return Verdict{}, err
	}
	if verdict.CategoryID != nil && strings.TrimSpace(*verdict.CategoryID) == "" {
		verdict.CategoryID = nil
	}
	return verdict, nil
}

const synthesizePrompt = `You maintain the list of problem categories of a customer support team.
None of the existing categories fits the thread below. Invent a new category for it.

The title must be 2 to 5 words. The description must be 1 or 2 sentences that
would let someone tell this category apart from similar ones.

Thread (newest message first):
%s
Return the response as a JSON object with this structure:
{
    "title": "Short Title",
    "description": "What kind of problem belongs here."
}`

func (c *GPTClassifier) SynthesizeCategory(ctx context.Context, transcript Transcript) (CategoryDraft, error) {
	var draft CategoryDraft
	if err := c.complete(ctx, fmt.Sprintf(synthesizePrompt, transcript), &draft); err != nil {
		return CategoryDraft{}, err
	}
	return draft, nil
}

const replyPrompt = `You are a first-line customer support agent.

Read the current thread, the customer's other threads and other threads about the
same problem. If you can fully resolve the customer's request, answer with action
"reply" and the message(s) to send. Otherwise answer with action "escalate" and a
short message that tells the customer a human will follow up.

Context:
%s

Return the response as a JSON object with this structure:
{
    "action": "reply" or "escalate",
    "messages": ["message to the customer", ...]
}`

func (c *GPTClassifier) DraftReply(ctx context.Context, rc ReplyContext) (ReplyDraft, error) {
	payload, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return ReplyDraft{}, fmt.Errorf("error encoding reply context: %w", err)
	}

	var draft ReplyDraft
	if err := c.complete(ctx, fmt.Sprintf(replyPrompt, payload), &draft); err != nil {
		return ReplyDraft{}, err
	}
	return draft, nil
}

// complete sends a single-turn prompt and decodes the JSON answer into out.
// Transport and parse failures are reported as ErrClassification.
func (c *GPTClassifier) complete(ctx context.Context, prompt string, out any) error {
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		},
	)
	if err != nil {
		c.logger.Error("Failed to get GPT response", zap.Error(err))
		return fmt.Errorf("%w: %v", models.ErrClassification, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: empty response", models.ErrClassification)
	}

	response := stripFences(resp.Choices[0].Message.Content)
	if response == "" {
		return fmt.Errorf("%w: empty response", models.ErrClassification)
	}
	if err := json.Unmarshal([]byte(response), out); err != nil {
		c.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return fmt.Errorf("%w: %v", models.ErrClassification, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
