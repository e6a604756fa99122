package models

import "time"

type ThreadStatus string

const (
	StatusOpen   ThreadStatus = "open"
	StatusClosed ThreadStatus = "closed"
	StatusSpam   ThreadStatus = "spam"
)

type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityNonUrgent Priority = "non-urgent"
)

type MessageType string

const (
	EmailMessage  MessageType = "email"
	WidgetMessage MessageType = "widget"
	StaffMessage  MessageType = "staff"
	AIMessage     MessageType = "ai"
)

// GlobalScope is the round-robin scope used when a thread has no owning team.
const GlobalScope = "global"

// Category represents a recurring type of support issue (a "problem")
type Category struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	TeamID      *string   `json:"team_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Thread represents a customer support conversation
type Thread struct {
	ID              string       `json:"id"`
	Subject         string       `json:"subject"`
	Status          ThreadStatus `json:"status"`
	Priority        Priority     `json:"priority"`
	CustomerID      *string      `json:"customer_id,omitempty"`
	CategoryID      *string      `json:"category_id,omitempty"`
	AssignedStaffID *string      `json:"assigned_staff_id,omitempty"`
	AssignedAt      *time.Time   `json:"assigned_at,omitempty"`
	LastReadAt      *time.Time   `json:"last_read_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Messages        []Message    `json:"messages,omitempty"`
}

// Message represents one utterance within a thread
type Message struct {
	ID             string      `json:"id"`
	ThreadID       string      `json:"thread_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AuthorID       *string     `json:"author_id,omitempty"`
	FileID         *string     `json:"file_id,omitempty"`
	IdempotencyKey *string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Team groups staff; a category owned by a team scopes assignment to it.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Staff represents a helpdesk agent that threads can be assigned to
type Staff struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	TeamID         *string   `json:"team_id,omitempty"`
	TelegramChatID int64     `json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RoundRobinState is the persisted rotation cursor of one assignment scope.
// NextIndex only grows; it is read modulo the roster size.
type RoundRobinState struct {
	Scope     string    `json:"scope"`
	NextIndex int64     `json:"next_index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadRef is the minimal view of a thread enumerated by bulk reclassification.
type ThreadRef struct {
	ID         string  `json:"id"`
	CategoryID *string `json:"category_id,omitempty"`
}

// LatestMessage returns the most recent message, or nil for an empty thread.
func (t *Thread) LatestMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// LatestCustomerMessage returns the most recent message not written by staff.
func (t *Thread) LatestCustomerMessage() *Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Type != StaffMessage {
			return &t.Messages[i]
		}
	}
	return nil
}

// SameRef reports whether two optional references point at the same id.
func SameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Ref returns a pointer to id, or nil when id is empty.
func Ref(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// Deref returns the referenced id or "".
func Deref(ref *string) string {
	if ref == nil {
		return ""
	}
	return *ref
}

// Outcome is the result of one pipeline unit of work.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeReplied   Outcome = "replied"
	OutcomeEscalated Outcome = "escalated"
)

// BatchReport aggregates the outcomes of a reclassify-all fan-out.
type BatchReport struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
}

// Done reports whether every thread of the batch has an outcome.
func (r *BatchReport) Done() bool {
	return r.Pending == 0
}
