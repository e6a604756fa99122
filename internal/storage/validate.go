package storage

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/helpdesk/internal/models"
)

// ErrNotFound is returned for missing rows that have no domain-specific error.
var ErrNotFound = errors.New("not found")

func validateCategory(title, description string) (string, string, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title == "" {
		return "", "", models.NewValidationError("title", "must not be empty")
	}
	if description == "" {
		return "", "", models.NewValidationError("description", "must not be empty")
	}
	return title, description, nil
}

func validateStatus(status models.ThreadStatus) error {
	switch status {
	case models.StatusOpen, models.StatusClosed, models.StatusSpam:
		return nil
	}
	return models.NewValidationError("status", "unknown status "+string(status))
}

func validateBatchOutcome(outcome models.Outcome) error {
	switch outcome {
	case models.OutcomeProcessed, models.OutcomeSkipped, models.OutcomeFailed:
		return nil
	}
	return models.NewValidationError("outcome", "unsupported batch outcome "+string(outcome))
}

func prepareThread(thread *models.Thread, now time.Time) error {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.Status == "" {
		thread.Status = models.StatusOpen
	}
	if err := validateStatus(thread.Status); err != nil {
		return err
	}
	switch thread.Priority {
	case "":
		thread.Priority = models.PriorityNonUrgent
	case models.PriorityUrgent, models.PriorityNonUrgent:
	default:
		return models.NewValidationError("priority", "unknown priority "+string(thread.Priority))
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = thread.CreatedAt
	for i := range thread.Messages {
		if err := prepareMessage(&thread.Messages[i], thread.ID, thread.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func prepareMessage(m *models.Message, threadID string, now time.Time) error {
	switch m.Type {
	case models.EmailMessage, models.WidgetMessage, models.StaffMessage, models.AIMessage:
	default:
		return models.NewValidationError("type", "unknown message type "+string(m.Type))
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.ThreadID = threadID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return nil
}

func prepareStaff(staff *models.Staff, now time.Time) error {
	if strings.TrimSpace(staff.Name) == "" {
		return models.NewValidationError("name", "must not be empty")
	}
	if staff.ID == "" {
		staff.ID = uuid.NewString()
	}
	if staff.CreatedAt.IsZero() {
		staff.CreatedAt = now
	}
	return nil
}

// sortRoster orders staff by creation, then id, the stable rotation order.
func sortRoster(roster []models.Staff) {
	sort.SliceStable(roster, func(i, j int) bool {
		if !roster[i].CreatedAt.Equal(roster[j].CreatedAt) {
			return roster[i].CreatedAt.Before(roster[j].CreatedAt)
		}
		return roster[i].ID < roster[j].ID
	})
}

func countOutcome(report *models.BatchReport, outcome models.Outcome, n int) {
	switch outcome {
	case models.OutcomeProcessed:
		report.Processed += n
	case models.OutcomeSkipped:
		report.Skipped += n
	case models.OutcomeFailed:
		report.Failed += n
	}
}

func pending(report *models.BatchReport) int {
	p := report.Total - report.Processed - report.Skipped - report.Failed
	if p < 0 {
		return 0
	}
	return p
}

func copyRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	v := *ref
	return &v
}
