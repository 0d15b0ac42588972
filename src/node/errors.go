package node

import (
	"fmt"

	"github.com/forgemesh/forgemesh/src/rid"
)

// UnknownPeerError rejects a poll from a peer with no registered edge.
// Unregistered peers have no queue and no standing to drain one.
type UnknownPeerError struct {
	PeerRID rid.RID
}

func (e UnknownPeerError) Error() string {
	return fmt.Sprintf("unknown peer %s", e.PeerRID)
}

// MalformedBatchError fails a broadcast wholesale. Nothing from the batch is
// applied; the sender must repair and resend the entire batch. Callers on the
// wire see the message only, so the text carries the offending position.
type MalformedBatchError struct {
	Index int
	Err   error
}

func (e MalformedBatchError) Error() string {
	return fmt.Sprintf("malformed batch: event %d: %v", e.Index, e.Err)
}
