package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// UnknownSender is the sentinel address recorded when a message's
// From header is absent or unparsable.
const UnknownSender = "unknown@unknown"

// Sender identifies the originator of a message.
type Sender struct {
	// The sender's address, lower cased.  Never empty; set to
	// UnknownSender when the header could not be parsed.
	Email string

	// The display name portion of the From header, if any.
	Name string
}

// Record is the canonical normalized form of one provider message.
// Records are keyed by PermID; a provider message with no ID is never
// turned into a Record.
type Record struct {
	// The permanent and unique ID of a message in the provider's
	// storage system.
	PermID string

	// The permanent and unique ID of the thread associated with
	// the message.  May be empty in storage systems that do not
	// support this concept.
	ThreadID string

	Subject string
	Snippet string
	Sender  Sender

	// The current set of label identifiers associated with the
	// message, in provider order.  These identifiers are not the
	// user visible label names.
	LabelIDs []string

	// The single resolved category label, or empty when the
	// message carries no recognized category.
	Category string

	// An estimated size of the message in bytes.  Never negative;
	// coerced to zero on invalid provider input.
	SizeEstimate int64

	HasAttachments bool
	Unread         bool
	Starred        bool
	Trashed        bool
	Spam           bool
	Important      bool

	// The provider's internal receive time in epoch milliseconds.
	// Coerced to zero on invalid provider input.
	InternalDate int64

	// When this record was last written by a sync run.
	LastSyncedAt time.Time

	// The preferred unsubscribe URI from the List-Unsubscribe
	// header, or empty when none was present.
	UnsubscribeURL string
}

// Page is one page of message IDs from the provider's list API.
type Page struct {
	// IDs lists the message identifiers on this page, in provider
	// order.
	IDs []string

	// NextCursor is the opaque token for the following page, or
	// empty on the final page.
	NextCursor string
}

// HistoryKind enumerates the change-log event kinds the reconciler
// understands.
type HistoryKind int

const (
	HistoryAdded HistoryKind = iota
	HistoryDeleted
	HistoryLabelsAdded
	HistoryLabelsRemoved
)

// HistoryEvent is one entry from the provider's change log, already
// flattened out of the provider's nested record shape.
type HistoryEvent struct {
	Kind HistoryKind

	// The message the event applies to.
	PermID string

	// The labels added or removed, for the label event kinds.
	Labels []string
}

// HistoryPage is one page of the provider change log.
type HistoryPage struct {
	// Events in provider order.
	Events []HistoryEvent

	// Checkpoint is the provider's change-log position after the
	// last event on this page.  Opaque to the engine.
	Checkpoint string

	// NextCursor pages within one reconciliation window; empty on
	// the final page.
	NextCursor string
}

// LabelDelta is the net label change for one message over a
// reconciliation window.
type LabelDelta struct {
	Added   []string
	Removed []string
}

// Delta is the net effect of one reconciliation window: the folded
// added/deleted sets, per-message label changes, and the checkpoint
// to persist once the delta has been applied.
type Delta struct {
	Added        []string
	Deleted      []string
	LabelChanges map[string]LabelDelta

	// Checkpoint is the last change-log position reported by the
	// provider across all pages of the window.
	Checkpoint string
}

// Empty reports whether the delta carries no work.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.LabelChanges) == 0
}

// Profile is per-account information from the provider.
type Profile struct {
	EmailAddress string

	// Best-effort total message count, used for progress
	// estimation only.
	MessagesTotal int64

	// The provider's current change-log position.
	Checkpoint string
}
