package harness

import (
	"context"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent identical requests into one execution.
// Every caller sharing a flight receives the same *AIResponse.
type Deduplicator struct {
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{inflight: make(map[string]struct{})}
}

// DedupKey identifies a request for deduplication.
func DedupKey(conversationID, message string, activeSession, hasImages bool) string {
	return fmt.Sprintf("%s|%s|%t|%t", conversationID, message, activeSession, hasImages)
}

// Do runs fn once per key among concurrent callers. The leader's context is
// the one passed to fn. shared is true when the result was handed to more
// than one caller. A caller whose own ctx ends while waiting returns
// ctx.Err() without cancelling the flight for the others.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(context.Context) (*ports.AIResponse, error)) (resp *ports.AIResponse, shared bool, err error) {
	ch := d.group.DoChan(key, func() (any, error) {
		d.track(key, true)
		defer d.track(key, false)
		return fn(ctx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		return r.Val.(*ports.AIResponse), r.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight returns the number of keys currently executing.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Deduplicator) track(key string, start bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if start {
		d.inflight[key] = struct{}{}
		return
	}
	delete(d.inflight, key)
}
