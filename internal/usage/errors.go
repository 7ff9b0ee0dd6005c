package usage

import "errors"

// Error kinds returned by the tracker. Callers match them with errors.Is.
var (
	// ErrNotFound means the user has no current usage record
	ErrNotFound = errors.New("no active usage record")

	// ErrInvalidInput covers missing identifiers and bad consumption amounts
	ErrInvalidInput = errors.New("invalid input")

	// ErrStore wraps failures of the durable usage store
	ErrStore = errors.New("usage store failure")

	// ErrCache wraps cache failures. The tracker recovers from these itself;
	// they only surface in logs and metrics.
	ErrCache = errors.New("usage cache failure")

	// ErrNotifier wraps contact lookup and delivery failures
	ErrNotifier = errors.New("usage notifier failure")
)
