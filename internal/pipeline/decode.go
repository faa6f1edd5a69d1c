package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// ParseSubmission decodes a source-topic message body into a Submission.
// Malformed JSON is reported as a validation error so the message is skipped
// rather than retried.
func ParseSubmission(raw domain.RawEvent) (domain.Submission, error) {
	var sub domain.Submission
	if err := json.Unmarshal(raw.Value, &sub); err != nil {
		return domain.Submission{}, &domain.ValidationError{
			Field:  "body",
			Reason: fmt.Sprintf("malformed JSON: %v", err),
		}
	}
	return sub, nil
}
