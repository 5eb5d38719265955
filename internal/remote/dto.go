package remote

import "time"

// briefPayload is the wire form of the daily brief endpoint.
type briefPayload struct {
	ContentDate string    `json:"content_date"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Body        string    `json:"body,omitempty"`
	Topic       string    `json:"topic_category,omitempty"`
	Confidence  float64   `json:"confidence_score"`
	PublishedAt time.Time `json:"published_at"`
}

// interactionPayload is the wire form of one reported interaction.
// The client-generated ID lets the endpoint deduplicate re-sends.
type interactionPayload struct {
	ID         string            `json:"id"`
	ContentID  string            `json:"content_id"`
	Type       string            `json:"interaction_type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
