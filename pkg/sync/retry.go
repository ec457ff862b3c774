package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arcuru/eidetica/pkg/entry"
	"github.com/arcuru/eidetica/pkg/metrics"
)

// retryItem is one failed send batch awaiting another attempt.
type retryItem struct {
	peerPubkey   string
	databaseRoot entry.ID
	entryIDs     []entry.ID
	attempts     int
	firstError   error
	nextAttempt  time.Time
	backoff      *backoff.ExponentialBackOff
}

// retryQueue holds failed batches ordered by earliest next attempt.
// Only the worker goroutine touches it, so it needs no lock.
type retryQueue struct {
	items       []*retryItem
	maxAttempts int
}

func newRetryQueue(maxAttempts int) *retryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &retryQueue{maxAttempts: maxAttempts}
}

// newItemBackoff configures the 2^n-seconds-capped-at-64s policy.
func newItemBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 64 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// add enqueues a freshly failed batch.
func (q *retryQueue) add(peer string, root entry.ID, ids []entry.ID, firstError error) {
	item := &retryItem{
		peerPubkey:   peer,
		databaseRoot: root,
		entryIDs:     ids,
		attempts:     1,
		firstError:   firstError,
		backoff:      newItemBackoff(),
	}
	item.nextAttempt = time.Now().Add(item.backoff.NextBackOff())
	q.items = append(q.items, item)
	metrics.RetryQueueDepth.Set(float64(len(q.items)))
}

// due pops every item whose next attempt has arrived.
func (q *retryQueue) due(now time.Time) []*retryItem {
	var ready []*retryItem
	var remaining []*retryItem
	for _, item := range q.items {
		if !item.nextAttempt.After(now) {
			ready = append(ready, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	q.items = remaining
	metrics.RetryQueueDepth.Set(float64(len(q.items)))
	return ready
}

// requeue records another failure. Returns false once the item has
// exhausted its attempts and is discarded.
func (q *retryQueue) requeue(item *retryItem) bool {
	item.attempts++
	if item.attempts > q.maxAttempts {
		metrics.RetryQueueDepth.Set(float64(len(q.items)))
		return false
	}
	item.nextAttempt = time.Now().Add(item.backoff.NextBackOff())
	q.items = append(q.items, item)
	metrics.RetryQueueDepth.Set(float64(len(q.items)))
	return true
}

func (q *retryQueue) depth() int { return len(q.items) }
