package domain

import (
	"fmt"
	"time"
)

// Date is a civil calendar date with no time-of-day or zone attached.
// It is the cache key: the store holds at most one record per Date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate constructs a Date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO date ("2006-01-02").
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// String returns the ISO form, "2006-01-02". It doubles as the store key.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of the date in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns the date n days later (or earlier for negative n),
// normalized across month and year boundaries.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// DaysUntil returns the number of calendar days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.Time(time.UTC).Sub(d.Time(time.UTC)) / (24 * time.Hour))
}

// Before reports whether d is earlier than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// After reports whether d is later than o.
func (d Date) After(o Date) bool {
	return o.Before(d)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// MarshalText implements encoding.TextMarshaler so Dates serialize
// as ISO strings in JSON values and map keys.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TopicCategory classifies a daily record's subject matter.
type TopicCategory int

const (
	TopicNutrition TopicCategory = iota
	TopicExercise
	TopicSleep
	TopicStress
	TopicPrevention
	TopicLifestyle
)

// ParseTopicCategory maps a wire topic string to a TopicCategory.
// Unknown values degrade to TopicLifestyle so new server topics never
// fail a fetch.
func ParseTopicCategory(s string) TopicCategory {
	switch s {
	case "nutrition":
		return TopicNutrition
	case "exercise":
		return TopicExercise
	case "sleep":
		return TopicSleep
	case "stress":
		return TopicStress
	case "prevention":
		return TopicPrevention
	default:
		return TopicLifestyle
	}
}

// String returns the wire form of the topic.
func (t TopicCategory) String() string {
	switch t {
	case TopicNutrition:
		return "nutrition"
	case TopicExercise:
		return "exercise"
	case TopicSleep:
		return "sleep"
	case TopicStress:
		return "stress"
	case TopicPrevention:
		return "prevention"
	case TopicLifestyle:
		return "lifestyle"
	default:
		return "unknown"
	}
}

// ContentID returns the stable identity for the record covering a date.
// Interaction events reference records by this ID.
func ContentID(d Date) string {
	return "brief-" + d.String()
}

// ContentRecord is the immutable payload for one calendar day.
type ContentRecord struct {
	ID          string        // Stable identity, "brief-<date>"
	ContentDate Date          // Calendar day this record covers
	Title       string        // Headline shown on the tile
	Summary     string        // Short insight text
	Body        string        // Optional long-form body
	Topic       TopicCategory // Subject classification
	Confidence  float64       // Generation confidence, 0.0-1.0
	PublishedAt time.Time     // When the remote pipeline published it
	SizeBytes   int64         // Encoded size used for budget accounting
}

// Validate reports whether the record satisfies its own invariants.
func (r ContentRecord) Validate() error {
	if r.ContentDate.IsZero() {
		return fmt.Errorf("content record: missing content date")
	}
	if r.Title == "" {
		return fmt.Errorf("content record %s: missing title", r.ContentDate)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("content record %s: confidence %.2f out of range", r.ContentDate, r.Confidence)
	}
	if r.SizeBytes < 0 {
		return fmt.Errorf("content record %s: negative size", r.ContentDate)
	}
	return nil
}

// CacheEntry wraps a ContentRecord with the mutable cache metadata the
// store maintains for eviction and freshness decisions.
type CacheEntry struct {
	Record         ContentRecord // The cached payload
	CachedAt       time.Time     // When the record was stored
	LastAccessedAt time.Time     // Updated on every read
	AccessCount    int64         // Number of reads
	Corrupted      bool          // Set when integrity validation fails
}

// Age returns how long ago the entry was cached.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// IsFresh reports whether the entry is younger than the freshness threshold.
func (e CacheEntry) IsFresh(now time.Time, threshold time.Duration) bool {
	return e.Age(now) <= threshold
}
