package crm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("crm entity not found")
	ErrBatchTooLarge = errors.New("crm batch length exceeded")
)

const batchLengthExceededCode = "ERROR_BATCH_LENGTH_EXCEEDED"

// APIError is an error reported by the CRM, either for a whole call or for
// one command inside a batch.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("crm call failed: status=%d code=%s message=%s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("crm command failed: code=%s message=%s", e.Code, e.Description)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.NotFound()
	case ErrBatchTooLarge:
		return e.Code == batchLengthExceededCode
	}
	return false
}

// NotFound matches the vendor's "Not found" answer for a missing entity.
func (e *APIError) NotFound() bool {
	if e == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(e.Description), "not found") {
		return true
	}
	return strings.EqualFold(e.Code, "NOT_FOUND")
}
