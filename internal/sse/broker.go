// Package sse streams engine change notifications to clients as
// Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/kalendae/internal/models"
)

const (
	clientBuffer    = 64
	defaultThrottle = 2 * time.Second
	keepAlive       = 25 * time.Second
)

// Event is one SSE frame. ColPath scopes delivery; empty reaches everyone.
// ID, when set, becomes the frame id so clients can resume from it.
type Event struct {
	ID      string `json:"-"`
	Type    string `json:"type"`
	ColPath string `json:"-"`
	Data    any    `json:"data"`
}

func (e Event) frame() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", e.Type, data)
	return buf.Bytes(), nil
}

// Gate decides whether a stream opened with ctx may see changes to
// collection colPath.
type Gate func(ctx context.Context, colPath string) bool

type subscriber struct {
	out    chan []byte
	prefix string
	allow  func(colPath string) bool
}

func (s subscriber) accepts(colPath string) bool {
	if colPath == "" {
		return true
	}
	if s.prefix != "" && !strings.HasPrefix(colPath, s.prefix) {
		return false
	}
	return s.allow == nil || s.allow(colPath)
}

// hub is the state owned by the broker loop.
type hub struct {
	subs     map[chan []byte]subscriber
	lastSync map[string]time.Time
	// trailing holds the newest token per collection whose hint was
	// held back by the throttle.
	trailing map[string]string
}

func (h *hub) broadcast(ev Event) {
	frame, err := ev.frame()
	if err != nil {
		return
	}
	for ch, s := range h.subs {
		if !s.accepts(ev.ColPath) {
			continue
		}
		select {
		case ch <- frame:
		default: // slow client
		}
	}
}

// Broker fans notifications out to subscribers. A single loop goroutine
// owns the subscriber set and the per-collection throttle; other
// goroutines hand it closures over ops.
type Broker struct {
	syncMin time.Duration

	ops    chan func(*hub)
	events chan Event
	notes  chan models.Notification

	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewBroker starts a broker. syncThrottle bounds how often a
// "sync.available" hint is sent per collection.
func NewBroker(syncThrottle time.Duration) *Broker {
	if syncThrottle <= 0 {
		syncThrottle = defaultThrottle
	}
	b := &Broker{
		syncMin: syncThrottle,
		ops:     make(chan func(*hub)),
		events:  make(chan Event, 256),
		notes:   make(chan models.Notification, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.done)
	h := &hub{
		subs:     make(map[chan []byte]subscriber),
		lastSync: make(map[string]time.Time),
		trailing: make(map[string]string),
	}
	for {
		select {
		case <-b.stop:
			for ch := range h.subs {
				close(ch)
			}
			return
		case op := <-b.ops:
			op(h)
		case ev := <-b.events:
			h.broadcast(ev)
		case n := <-b.notes:
			b.notify(h, n, time.Now())
		}
	}
}

// notify sends the change itself and, at most once per throttle window
// and collection, a hint carrying the token to sync from. A hint held back
// by the throttle is sent when the window closes, with the newest token.
func (b *Broker) notify(h *hub, n models.Notification, now time.Time) {
	token := string(models.TokenFor(n.Seq))
	h.broadcast(Event{ID: token, Type: "event." + string(n.Kind), ColPath: n.ColPath, Data: n})

	since := now.Sub(h.lastSync[n.ColPath])
	if since >= b.syncMin {
		h.hint(n.ColPath, token, now)
		return
	}
	if _, scheduled := h.trailing[n.ColPath]; !scheduled {
		col := n.ColPath
		time.AfterFunc(b.syncMin-since, func() {
			b.do(func(h *hub) {
				if tok, ok := h.trailing[col]; ok {
					h.hint(col, tok, time.Now())
				}
			})
		})
	}
	h.trailing[n.ColPath] = token
}

func (h *hub) hint(colPath, token string, now time.Time) {
	delete(h.trailing, colPath)
	h.lastSync[colPath] = now
	h.broadcast(Event{
		Type:    "sync.available",
		ColPath: colPath,
		Data:    map[string]string{"col_path": colPath, "token": token},
	})
}

// do runs op on the loop. It reports false once the broker is closed.
func (b *Broker) do(op func(*hub)) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.ops <- op:
		return true
	case <-b.done:
		return false
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
	}
	<-b.done
}

// Subscribe registers a client interested in collections under prefix
// (all collections when empty).
func (b *Broker) Subscribe(prefix string) chan []byte {
	return b.subscribe(subscriber{out: make(chan []byte, clientBuffer), prefix: prefix})
}

func (b *Broker) subscribe(s subscriber) chan []byte {
	if !b.do(func(h *hub) { h.subs[s.out] = s }) {
		close(s.out)
	}
	return s.out
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.do(func(h *hub) {
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	})
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	n := make(chan int, 1)
	if !b.do(func(h *hub) { n <- len(h.subs) }) {
		return 0
	}
	return <-n
}

// Publish sends an arbitrary event.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Post implements calendar.Notifier.
func (b *Broker) Post(n models.Notification) {
	if b.closed.Load() {
		return
	}
	select {
	case b.notes <- n:
	case <-b.done:
	}
}

// ServeHTTP streams every collection's changes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.Handler(nil).ServeHTTP(w, r)
}

// Handler returns the SSE endpoint. The optional col_path query parameter
// limits the stream to collections under that prefix; a non-nil gate
// further hides collections the requester may not read.
func (b *Broker) Handler(gate Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		sub := subscriber{out: make(chan []byte, clientBuffer), prefix: r.URL.Query().Get("col_path")}
		if gate != nil {
			sub.allow = func(colPath string) bool { return gate(ctx, colPath) }
		}
		ch := b.subscribe(sub)
		defer b.Unsubscribe(ch)

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_, _ = w.Write([]byte(": keep-alive\n\n"))
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_, _ = w.Write(msg)
				flusher.Flush()
			}
		}
	})
}
