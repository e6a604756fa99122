package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatestMessages(t *testing.T) {
	th := &Thread{}
	assert.Nil(t, th.LatestMessage())
	assert.Nil(t, th.LatestCustomerMessage())

	th.Messages = []Message{
		{ID: "m1", Type: EmailMessage},
		{ID: "m2", Type: AIMessage},
		{ID: "m3", Type: StaffMessage},
	}
	assert.Equal(t, "m3", th.LatestMessage().ID)
	assert.Equal(t, "m2", th.LatestCustomerMessage().ID)
}

func TestSameRef(t *testing.T) {
	assert.True(t, SameRef(nil, nil))
	assert.False(t, SameRef(Ref("a"), nil))
	assert.False(t, SameRef(nil, Ref("a")))
	assert.True(t, SameRef(Ref("a"), Ref("a")))
	assert.False(t, SameRef(Ref("a"), Ref("b")))
	assert.Nil(t, Ref(""))
	assert.Equal(t, "", Deref(nil))
}

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("create category: %w", NewValidationError("title", "must not be empty"))
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	if assert.True(t, errors.As(err, &verr)) {
		assert.Equal(t, "title", verr.Field)
	}
	assert.Contains(t, err.Error(), "invalid title")
}
