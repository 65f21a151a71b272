package stream

import "sync"

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// the configured buffer is zero or negative.
const DefaultSubscriberBuffer = 64

// Hub routes case messages to live subscribers. Each subscriber owns a
// bounded channel; a subscriber that falls behind is detached rather than
// allowed to block the append path, and is expected to resubscribe for a
// fresh replay.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Message
	nextID int
	buffer int
}

// NewHub returns a hub whose subscriber channels hold up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[int]chan Message),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber for the case and returns its channel
// together with a cancel function. The channel is closed when the subscriber
// is cancelled, dropped, or the case is closed. Cancel is idempotent.
func (h *Hub) Subscribe(caseID string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Message, h.buffer)
	set := h.subs[caseID]
	if set == nil {
		set = make(map[int]chan Message)
		h.subs[caseID] = set
	}
	set[id] = ch

	return ch, func() { h.unsubscribe(caseID, id) }
}

func (h *Hub) unsubscribe(caseID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[caseID]
	ch, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.subs, caseID)
	}
	close(ch)
}

// Publish sends msg to every subscriber of the case without blocking. A
// subscriber whose buffer is full is detached and its channel closed. The
// returned counts let the caller record delivery metrics.
func (h *Hub) Publish(caseID string, msg Message) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[caseID]
	for id, ch := range set {
		select {
		case ch <- msg:
			delivered++
		default:
			delete(set, id)
			close(ch)
			dropped++
		}
	}
	if len(set) == 0 {
		delete(h.subs, caseID)
	}
	return delivered, dropped
}

// CloseCase delivers the terminal message to every subscriber of the case
// and detaches them all. Subscribers whose buffers are full lose the final
// message but still see their channel close.
func (h *Hub) CloseCase(caseID string, final Message) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[caseID] {
		select {
		case ch <- final:
			delivered++
		default:
			dropped++
		}
		close(ch)
	}
	delete(h.subs, caseID)
	return delivered, dropped
}

// SubscriberCount reports the number of live subscribers for the case.
func (h *Hub) SubscriberCount(caseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[caseID])
}
