package storage

import (
	"fmt"
	"time"
)

// storedTimeLayout is fixed width so TEXT timestamps sort chronologically.
const storedTimeLayout = "2006-01-02 15:04:05.000000000"

var parseLayouts = []string{
	storedTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

// timeValue scans TIMESTAMPTZ values from postgres and TEXT values from sqlite.
type timeValue struct {
	t *time.Time
}

func (v timeValue) Scan(src any) error {
	parsed, err := parseTime(src)
	if err != nil {
		return err
	}
	if parsed == nil {
		return fmt.Errorf("unexpected NULL timestamp")
	}
	*v.t = *parsed
	return nil
}

type nullTimeValue struct {
	t **time.Time
}

func (v nullTimeValue) Scan(src any) error {
	parsed, err := parseTime(src)
	if err != nil {
		return err
	}
	*v.t = parsed
	return nil
}

func parseTime(src any) (*time.Time, error) {
	switch value := src.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := value.UTC()
		return &t, nil
	case string:
		return parseTimeString(value)
	case []byte:
		return parseTimeString(string(value))
	}
	return nil, fmt.Errorf("unsupported timestamp type %T", src)
}

func parseTimeString(value string) (*time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unparsable timestamp %q", value)
}
