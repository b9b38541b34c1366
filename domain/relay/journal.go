package relay

import (
	"context"
	"log/slog"
)

// Journal appends to the conversation log. Failures are logged and dropped.
type Journal struct {
	store   LogStore
	enabled bool
}

func NewJournal(store LogStore, enabled bool) *Journal {
	return &Journal{store: store, enabled: enabled}
}

func (j *Journal) Append(ctx context.Context, requesterID, threadID, message, supporterID string) {
	if !j.enabled || j.store == nil {
		return
	}
	if err := j.store.AppendLog(ctx, requesterID, threadID, message, supporterID); err != nil {
		slog.Warn("Failed to append conversation log",
			slog.String("requester_id", requesterID),
			slog.String("thread_id", threadID),
			slog.Any("err", err),
		)
	}
}
