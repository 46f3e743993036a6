package dispatch

import "errors"

// Sentinel errors returned by the dispatcher. Callers match with errors.Is
// and decide whether to retry.
var (
	// ErrDuplicateAgent is returned by Register when the name is taken.
	ErrDuplicateAgent = errors.New("agent name already registered")

	// ErrUnknownRecipient is returned by Send when the target is neither a
	// registered agent nor the broadcast target.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrMailboxFull is returned when a send could not enqueue within the
	// configured timeout.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrNotRunning is returned for operations on a stopped dispatcher.
	ErrNotRunning = errors.New("dispatcher is not running")
)
