package domain

import "context"

// ContentClient provides access to the remote content service.
type ContentClient interface {
	// FetchToday returns the live daily record. Transport failures map
	// to ErrServerOffline, auth failures to ErrAuthFailed; anything
	// else is a transient fetch failure.
	FetchToday(ctx context.Context) (*ContentRecord, error)

	// SubmitInteraction delivers one interaction event. Failures carry
	// a FailureClass through SubmitError for retry handling.
	SubmitInteraction(ctx context.Context, item SyncQueueItem) error
}
