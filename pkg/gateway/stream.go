package gateway

import (
	"io"
	"net/http"
	"sync"
)

const maxStreamBytes = 2_000_000 // 2 MB cap on buffered stream bytes per task

// streamBuffer holds a task's ordered raw SSE chunks (trimmed from the head
// so total bytes never exceed maxStreamBytes) plus the set of currently
// subscribed HTTP writers. One streamBuffer per task.
type streamBuffer struct {
	mu          sync.Mutex
	chunks      [][]byte
	totalBytes  int
	subscribers map[*subscriber]struct{}
	closed      bool
}

type subscriber struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{subscribers: make(map[*subscriber]struct{})}
}

// Append adds a new chunk from the daemon, evicting the oldest chunks first
// so the total never exceeds the 2 MB cap, then writes it to every
// currently-registered subscriber. A writer error removes that subscriber
// only; it never affects the others.
func (b *streamBuffer) Append(chunk []byte) {
	b.mu.Lock()
	b.chunks = append(b.chunks, chunk)
	b.totalBytes += len(chunk)
	for b.totalBytes > maxStreamBytes && len(b.chunks) > 0 {
		b.totalBytes -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if _, err := s.w.Write(chunk); err != nil {
			b.removeSubscriber(s)
			continue
		}
		if s.flusher != nil {
			s.flusher.Flush()
		}
	}
}

// Subscribe replays the buffered chunks to w, then — unless terminal is
// true — registers w to receive live chunks until Close or a write error.
// Returns the subscriber handle so the HTTP handler can block on its done
// channel; nil if terminal (caller should end the response immediately
// after replay).
func (b *streamBuffer) Subscribe(w http.ResponseWriter, terminal bool) *subscriber {
	flusher, _ := w.(http.Flusher)

	b.mu.Lock()
	chunksCopy := make([][]byte, len(b.chunks))
	copy(chunksCopy, b.chunks)
	var sub *subscriber
	if !terminal && !b.closed {
		sub = &subscriber{w: w, flusher: flusher, done: make(chan struct{})}
		b.subscribers[sub] = struct{}{}
	}
	b.mu.Unlock()

	for _, c := range chunksCopy {
		if _, err := w.Write(c); err != nil {
			if sub != nil {
				b.removeSubscriber(sub)
			}
			return nil
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return sub
}

func (b *streamBuffer) removeSubscriber(s *subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[s]; ok {
		delete(b.subscribers, s)
		close(s.done)
	}
	b.mu.Unlock()
}

// CloseSubscribers ends every currently-registered subscriber's response
// (used on terminal transition and before re-submission to the same task).
// The chunk log itself is untouched so a future GET can still replay it.
func (b *streamBuffer) CloseSubscribers() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		close(s.done)
	}
}

// Reset drops the accumulated chunks and closes current subscribers; used
// when a re-submission restarts a task under the same id.
func (b *streamBuffer) Reset() {
	b.CloseSubscribers()
	b.mu.Lock()
	b.chunks = nil
	b.totalBytes = 0
	b.mu.Unlock()
}

var _ io.Writer = (*streamWriterAdapter)(nil)

// streamWriterAdapter lets streamBuffer.Append be used as an io.Writer for
// callers that pipe an io.Reader straight into the buffer.
type streamWriterAdapter struct{ buf *streamBuffer }

func (a *streamWriterAdapter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	a.buf.Append(cp)
	return len(p), nil
}
