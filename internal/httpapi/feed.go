package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/taxomap/internal/taxonomy"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 10 * time.Second
)

// Feed pushes engine events to websocket subscribers. It is visible while at
// least one subscriber is connected, so it can drive the poller schedule.
type Feed struct {
	logger *zap.Logger

	mu        sync.Mutex
	clients   map[*feedClient]struct{}
	listeners map[int]func(bool)
	nextID    int
}

type feedClient struct {
	events chan taxonomy.Event
}

func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		logger:    logger,
		clients:   map[*feedClient]struct{}{},
		listeners: map[int]func(bool){},
	}
}

// OnEvent fans ev out without blocking; a subscriber whose buffer is full
// misses the event.
func (f *Feed) OnEvent(ev taxonomy.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.events <- ev:
		default:
			f.logger.Warn("event feed subscriber lagging, event dropped", zap.String("event", string(ev.Kind)))
		}
	}
}

func (f *Feed) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients) > 0
}

// Subscribe registers fn for visibility transitions and returns the
// unsubscribe func.
func (f *Feed) Subscribe(fn func(visible bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) add(c *feedClient) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	notify := f.transitionLocked(len(f.clients) == 1)
	f.mu.Unlock()
	for _, fn := range notify {
		fn(true)
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	notify := f.transitionLocked(len(f.clients) == 0)
	f.mu.Unlock()
	for _, fn := range notify {
		fn(false)
	}
}

func (f *Feed) transitionLocked(changed bool) []func(bool) {
	if !changed {
		return nil
	}
	out := make([]func(bool), 0, len(f.listeners))
	for _, fn := range f.listeners {
		out = append(out, fn)
	}
	return out
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("event feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	client := &feedClient{events: make(chan taxonomy.Event, feedBuffer)}
	f.add(client)
	defer f.remove(client)

	// Incoming frames are ignored; ctx ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.events:
			writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				f.logger.Debug("event feed write failed", zap.Error(err))
				return
			}
		}
	}
}
