package dispatch

import (
	"fmt"
	"strings"
)

// MalformedResponseError reports a backend response carrying two tool
// requests with the same correlation id. Ambiguity surfaces instead of
// being silently resolved.
type MalformedResponseError struct {
	Duplicates []string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("backend response reuses correlation ids: %s", strings.Join(e.Duplicates, ", "))
}

// StepLimitError reports an exchange that did not converge within the
// configured step budget. The session history up to that point is intact.
type StepLimitError struct {
	Limit int
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("step limit %d exceeded", e.Limit)
}
