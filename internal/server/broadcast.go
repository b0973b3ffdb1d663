package server

import (
	"log"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// Broadcast queues msg to every member except exclude (which may be nil)
// and returns how many members it was queued for. Delivery is best-effort:
// a member whose queue is full is disconnected and skipped, nothing is
// retried.
func (r *Room) Broadcast(msg *protocol.Message, exclude *Client) int {
	frame, err := protocol.EncodeMessage(msg)
	if err != nil {
		log.Printf("[ROOMS] Dropping %s broadcast to room %d: %v", msg.Kind, r.id, err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(frame, exclude)
}

func (r *Room) broadcastLocked(frame []byte, exclude *Client) int {
	delivered := 0
	for _, member := range r.members {
		if exclude != nil && member.id == exclude.id {
			continue
		}
		if err := member.enqueue(frame); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}
