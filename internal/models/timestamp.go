package models

import (
	"time"

	"github.com/relvacode/iso8601"
)

const isoLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a UTC instant serialized as ISO 8601.
type Timestamp time.Time

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC())
}

func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t Timestamp) IsZero() bool {
	return time.Time(t).IsZero()
}

func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(isoLayout)
}

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts any ISO 8601 date-time and normalizes it to UTC.
func (t *Timestamp) UnmarshalText(b []byte) error {
	parsed, err := iso8601.Parse(b)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed.UTC())
	return nil
}

// ParseTimestamp parses an ISO 8601 string.
func ParseTimestamp(s string) (Timestamp, error) {
	var t Timestamp
	err := t.UnmarshalText([]byte(s))
	return t, err
}
