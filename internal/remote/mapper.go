package remote

import (
	"fmt"

	"github.com/mmcdole/dailybrief/internal/domain"
)

// mapBrief converts a brief payload to a domain content record.
// rawLen is the encoded response size, which the cache budget counts.
func mapBrief(p briefPayload, rawLen int) (*domain.ContentRecord, error) {
	date, err := domain.ParseDate(p.ContentDate)
	if err != nil {
		return nil, fmt.Errorf("map brief: %w", err)
	}

	rec := domain.ContentRecord{
		ID:          domain.ContentID(date),
		ContentDate: date,
		Title:       p.Title,
		Summary:     p.Summary,
		Body:        p.Body,
		Topic:       domain.ParseTopicCategory(p.Topic),
		Confidence:  p.Confidence,
		PublishedAt: p.PublishedAt,
		SizeBytes:   int64(rawLen),
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("map brief: %w", err)
	}

	return &rec, nil
}

// mapInteraction converts a queued interaction to its wire form.
func mapInteraction(item domain.SyncQueueItem) interactionPayload {
	return interactionPayload{
		ID:         item.ID,
		ContentID:  item.ContentID,
		Type:       item.Type.String(),
		OccurredAt: item.OccurredAt,
		Attributes: item.Payload,
	}
}
