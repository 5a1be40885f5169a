package execution

import (
	"fmt"

	"github.com/ahrav/execution-service/internal/domain/events"
)

// EventIdempotencyKey derives the deduplication key for a consumed event. The
// event's own id wins; the transport record id is the fallback.
func EventIdempotencyKey(detailType events.EventType, eventID, recordID string) (string, error) {
	switch {
	case eventID != "":
		return fmt.Sprintf("%s#%s", detailType, eventID), nil
	case recordID != "":
		return fmt.Sprintf("%s#record#%s", detailType, recordID), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrIdempotencyKeyMissing, detailType)
	}
}

// OnFailureIdempotencyKey derives the key for a failure-destination payload
// from its request id.
func OnFailureIdempotencyKey(requestID string) (string, error) {
	if requestID == "" {
		return "", fmt.Errorf("%w: %s", ErrIdempotencyKeyMissing, EventTypeOnFailure)
	}
	return fmt.Sprintf("%s#%s", EventTypeOnFailure, requestID), nil
}
