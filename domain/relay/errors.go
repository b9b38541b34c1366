package relay

import (
	"errors"
	"fmt"

	"github.com/pyama86/slaffic-relay/domain/model"
)

var (
	ErrDuplicateSession   = errors.New("requester already has an open session")
	ErrEmptyRequest       = errors.New("help request has no text")
	ErrUnsupportedContent = errors.New("only text messages are relayed")
)

// RemotePlatformError is a failed thread or send call on the chat platform.
// Local state has already been advanced when it is returned.
type RemotePlatformError struct {
	Op     string
	Ticket *model.Ticket
	Err    error
}

func (e *RemotePlatformError) Error() string {
	return fmt.Sprintf("platform: %s: %v", e.Op, e.Err)
}

func (e *RemotePlatformError) Unwrap() error {
	return e.Err
}
