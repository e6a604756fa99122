package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/helpdesk/internal/models"
	"github.com/xaenox/helpdesk/internal/storage"
	"go.uber.org/zap"
)

const maxTitleWords = 5

// Candidate is one category offered to the text classification capability.
type Candidate struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Verdict is the raw answer of a TextClassifier. A nil CategoryID means no good match.
type Verdict struct {
	CategoryID  *string `json:"category_id"`
	Explanation string  `json:"explanation"`
}

type CategoryDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ReplyAction string

const (
	ActionReply    ReplyAction = "reply"
	ActionEscalate ReplyAction = "escalate"
)

type ReplyDraft struct {
	Action   ReplyAction `json:"action"`
	Messages []string    `json:"messages"`
}

// ReplyContext is everything the drafting capability sees. Thread messages are
// ascending by time; sibling thread messages are descending.
type ReplyContext struct {
	Thread          *models.Thread   `json:"thread"`
	Category        *models.Category `json:"category,omitempty"`
	Customer        *models.Customer `json:"customer,omitempty"`
	CustomerThreads []models.Thread  `json:"customer_threads"`
	CategoryThreads []models.Thread  `json:"category_threads"`
}

type TextClassifier interface {
	ClassifyText(ctx context.Context, candidates []Candidate, transcript Transcript) (Verdict, error)
}

type CategorySynthesizer interface {
	SynthesizeCategory(ctx context.Context, transcript Transcript) (CategoryDraft, error)
}

type ReplyDrafter interface {
	DraftReply(ctx context.Context, rc ReplyContext) (ReplyDraft, error)
}

// Model bundles the three language capabilities the pipeline consumes.
type Model interface {
	TextClassifier
	CategorySynthesizer
	ReplyDrafter
}

// Utterance is one message of a transcript.
type Utterance struct {
	Type    models.MessageType `json:"type"`
	Content string             `json:"content"`
}

// Transcript is a thread's messages, newest first.
type Transcript []Utterance

func NewTranscript(messages []models.Message) Transcript {
	transcript := make(Transcript, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		transcript = append(transcript, Utterance{Type: messages[i].Type, Content: messages[i].Content})
	}
	return transcript
}

func (t Transcript) String() string {
	var b strings.Builder
	for _, u := range t {
		fmt.Fprintf(&b, "[%s] %s\n", u.Type, strings.TrimSpace(u.Content))
	}
	return b.String()
}

// Result of Classify. Created is set when a new category was minted.
type Result struct {
	CategoryID  string
	Created     *models.Category
	Explanation string
}

// Classifier maps a thread onto the open, growing category set.
// It never writes to the thread; callers apply their own write policy.
type Classifier struct {
	classifier  TextClassifier
	synthesizer CategorySynthesizer
	store       storage.CategoryStore
	logger      *zap.Logger
}

func New(classifier TextClassifier, synthesizer CategorySynthesizer, store storage.CategoryStore, logger *zap.Logger) *Classifier {
	return &Classifier{
		classifier:  classifier,
		synthesizer: synthesizer,
		store:       store,
		logger:      logger,
	}
}

// Match selects an existing category or returns nil. It never creates one.
func (c *Classifier) Match(ctx context.Context, thread *models.Thread, categories []models.Category) (*string, string, error) {
	if len(thread.Messages) == 0 {
		return nil, "", fmt.Errorf("match thread %s: %w", thread.ID, models.ErrEmptyThread)
	}
	if len(categories) == 0 {
		return nil, "no categories", nil
	}

	candidates := make([]Candidate, 0, len(categories))
	known := make(map[string]struct{}, len(categories))
	for _, cat := range categories {
		candidates = append(candidates, Candidate{ID: cat.ID, Title: cat.Title, Description: cat.Description})
		known[cat.ID] = struct{}{}
	}

	verdict, err := c.classifier.ClassifyText(ctx, candidates, NewTranscript(thread.Messages))
	if err != nil {
		return nil, "", fmt.Errorf("match thread %s: %w", thread.ID, err)
	}
	if verdict.CategoryID == nil {
		return nil, verdict.Explanation, nil
	}

	id := strings.TrimSpace(*verdict.CategoryID)
	if _, ok := known[id]; !ok {
		c.logger.Warn("Classifier returned an unknown category, treating as no match",
			zap.String("thread_id", thread.ID),
			zap.String("category_id", id))
		return nil, verdict.Explanation, nil
	}
	return &id, verdict.Explanation, nil
}

// Classify selects a category for the thread, minting a new one when nothing fits.
func (c *Classifier) Classify(ctx context.Context, thread *models.Thread, categories []models.Category) (*Result, error) {
	if len(thread.Messages) == 0 {
		return nil, fmt.Errorf("classify thread %s: %w", thread.ID, models.ErrEmptyThread)
	}

	if len(categories) > 0 {
		id, explanation, err := c.Match(ctx, thread, categories)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return &Result{CategoryID: *id, Explanation: explanation}, nil
		}
	}

	created, err := c.SynthesizeCategory(ctx, thread)
	if err != nil {
		return nil, err
	}
	return &Result{CategoryID: created.ID, Created: created, Explanation: "created new category"}, nil
}

// SynthesizeCategory drafts a title and description from the thread and persists them.
func (c *Classifier) SynthesizeCategory(ctx context.Context, thread *models.Thread) (*models.Category, error) {
	if len(thread.Messages) == 0 {
		return nil, fmt.Errorf("synthesize category for %s: %w", thread.ID, models.ErrEmptyThread)
	}

	draft, err := c.synthesizer.SynthesizeCategory(ctx, NewTranscript(thread.Messages))
	if err != nil {
		return nil, fmt.Errorf("synthesize category for %s: %w", thread.ID, err)
	}
	title, description, err := validateDraft(draft)
	if err != nil {
		return nil, fmt.Errorf("synthesize category for %s: %w", thread.ID, err)
	}

	category, err := c.store.CreateCategory(ctx, title, description, nil)
	if err != nil {
		return nil, fmt.Errorf("synthesize category for %s: %w", thread.ID, err)
	}
	c.logger.Info("Created category",
		zap.String("thread_id", thread.ID),
		zap.String("category_id", category.ID),
		zap.String("title", category.Title))
	return category, nil
}

func validateDraft(draft CategoryDraft) (string, string, error) {
	title := strings.Join(strings.Fields(draft.Title), " ")
	description := strings.TrimSpace(draft.Description)
	if title == "" || description == "" {
		return "", "", fmt.Errorf("%w: empty category draft", models.ErrClassification)
	}
	if n := len(strings.Fields(title)); n > maxTitleWords {
		return "", "", fmt.Errorf("%w: category title has %d words", models.ErrClassification, n)
	}
	return title, description, nil
}

// ValidateReply checks a drafted reply before anything is persisted.
func ValidateReply(draft ReplyDraft) (ReplyDraft, error) {
	messages := make([]string, 0, len(draft.Messages))
	for _, m := range draft.Messages {
		if m = strings.TrimSpace(m); m != "" {
			messages = append(messages, m)
		}
	}
	draft.Messages = messages

	switch draft.Action {
	case ActionReply:
		if len(messages) == 0 {
			return ReplyDraft{}, fmt.Errorf("%w: reply without messages", models.ErrClassification)
		}
	case ActionEscalate:
	default:
		return ReplyDraft{}, fmt.Errorf("%w: unknown reply action %q", models.ErrClassification, draft.Action)
	}
	return draft, nil
}
