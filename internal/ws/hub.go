// Package ws fans project log streams out to live subscribers over
// websockets and server-sent events.
package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by project ID. All bookkeeping happens
// on the run loop, so access to the client map is single-threaded.
type Hub struct {
	streams   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan event
	stop      chan struct{}
}

// event couples a payload with a project identifier.
type event struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		streams:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan event, 64),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.streams[sub.projectID]; !ok {
				h.streams[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.streams[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.streams[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.streams, sub.projectID)
				}
			}
		case ev := <-h.broadcast:
			clients, ok := h.streams[ev.projectID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(ev.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.streams, ev.projectID)
			}
		case <-h.stop:
			for projectID, clients := range h.streams {
				for c := range clients {
					c.Close()
				}
				delete(h.streams, projectID)
			}
			return
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.register <- subscription{projectID: projectID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.unreg <- subscription{projectID: projectID, client: client}
}

// Broadcast sends a payload to all of a project's clients.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.broadcast <- event{projectID: projectID, payload: payload}
}

// Shutdown closes every client and stops the run loop.
func (h *Hub) Shutdown() {
	close(h.stop)
}
