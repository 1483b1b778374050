package relay

import (
	"context"

	"github.com/rs/zerolog"
)

// CursorSync advances the server-side last-read pointer for a conversation.
//
// Writes are best effort: a failure is logged and swallowed, never retried.
// The next successful advance supersedes it; the server keeps the monotonic
// maximum. Advances are only issued for the focused conversation.
type CursorSync struct {
	cursor *CursorClient
	log    zerolog.Logger
}

// NewCursorSync creates a synchronizer backed by the REST cursor endpoint.
// A nil logger disables logging.
func NewCursorSync(cursor *CursorClient, logger *zerolog.Logger) *CursorSync {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &CursorSync{cursor: cursor, log: *logger}
}

// Advance moves the read cursor of ref to messageID.
func (cs *CursorSync) Advance(ctx context.Context, ref ConversationRef, messageID string) {
	if ref.IsZero() || messageID == "" {
		return
	}
	req := CursorAdvanceRequest{LastReadMessageID: messageID}
	if ref.Kind == ConversationGroup {
		req.GroupID = ref.ID
	} else {
		req.ReceiverID = ref.ID
	}
	if err := cs.cursor.Advance(ctx, req); err != nil {
		cs.log.Warn().Err(err).
			Stringer("conversation", ref).
			Str("message_id", messageID).
			Msg("read-cursor advance failed")
	}
}
