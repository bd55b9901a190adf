package crawl

import (
	"errors"
	"fmt"
)

// Errors resolved into a terminal Failed status at the orchestrator boundary.
var (
	ErrRobotsDisallowed       = errors.New("blocked by robots.txt")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrContentTooLarge        = errors.New("content too large")
	ErrRecordNotFound         = errors.New("crawl record not found")
	ErrRecordTerminal         = errors.New("crawl record is in a terminal state")
	ErrNotRetryable           = errors.New("only failed records can be retried")
)

// HTTPStatusError reports a non-200 response during fetch validation.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}
