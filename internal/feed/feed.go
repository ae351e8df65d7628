// Package feed streams invoice lifecycle events back to a connection (spec
// §4.9). Each feed subscribes to "/invoice/finalized", filters by account
// id, and batches events into a bounded queue a consumer drains on its own
// pace; the queue is lnd's queue.ConcurrentQueue (grounded on the
// teacher's go.mod dependency on github.com/lightningnetwork/lnd/queue),
// generalized here from its usual message-relay role to a per-feed event
// buffer.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/metrics"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/rpcerr"
	"github.com/satgateway/gateway/internal/session"
	"github.com/satgateway/gateway/internal/store"
)

// openFeeds is a process-wide count of active feeds across every
// connection, fed into the satgateway_feed_active_count gauge.
var openFeeds int64

var log = logging.SubLogger("FEED")

// MaxBatch bounds how many events a single feed tick delivers to the
// consumer at once (spec: FEED_MAX_BATCH=100).
const MaxBatch = 100

// DefaultMaxFeedsAllowed is the per-connection feed quota (spec §9
// decision: default 1).
const DefaultMaxFeedsAllowed = 1

// AuthCheckInterval bounds how long a feed can sit blocked waiting for
// invoice events before it wakes up and re-checks the session's auth
// (spec: the dispatcher's auth check applies "on every feed tick").
const AuthCheckInterval = 200 * time.Millisecond

// FeedTypeFinalizedInvoices is the only feed_type the subsystem currently
// streams (spec §4.9 step 2); any other name is rejected by SelectFeed.
const FeedTypeFinalizedInvoices = "finalized_invoices"

// Event is a single invoice lifecycle update delivered to a feed consumer.
type Event struct {
	InvoiceID int64
	Status    string
}

// CancelReason records why a feed stopped; the feed's Run loop logs it at
// debug level when it observes the cancellation.
type CancelReason int

const (
	CancelExplicit CancelReason = iota
	CancelSessionExpired
	CancelConnectionClosed
)

// Feed is one active server-initiated event stream for a connection.
type Feed struct {
	ID        int64
	FeedType  string
	accountID string

	bus   *pubsub.Bus
	subID uint64

	q *queue.ConcurrentQueue

	sess *session.Session

	cancel chan CancelReason
	once   sync.Once
}

// Registry tracks the feeds active on a single connection and enforces
// the per-connection quota.
type Registry struct {
	mu         sync.Mutex
	feeds      map[int64]*Feed
	maxAllowed int
	nextID     int64
}

// NewRegistry builds an empty Registry with the given feed quota.
func NewRegistry(maxAllowed int) *Registry {
	if maxAllowed <= 0 {
		maxAllowed = DefaultMaxFeedsAllowed
	}
	return &Registry{feeds: make(map[int64]*Feed), maxAllowed: maxAllowed}
}

// SelectFeed starts a new feed of feedType for accountID, filtered invoice
// lifecycle events delivered over bus. Returns rpcerr.UnknownFeedType for
// an unrecognized feedType, rpcerr.InvalidRequest if the connection has
// already reached its feed quota, or if a feed of the same feedType is
// already active on this connection (spec §4.9: "select_feed with the
// same feed_type already active fails").
func (r *Registry) SelectFeed(bus *pubsub.Bus, sess *session.Session, accountID, feedType string) (*Feed, error) {
	if feedType != FeedTypeFinalizedInvoices {
		return nil, rpcerr.UnknownFeedType(feedType)
	}

	r.mu.Lock()
	if len(r.feeds) >= r.maxAllowed {
		r.mu.Unlock()
		return nil, rpcerr.InvalidRequest(
			fmt.Sprintf("feed quota exceeded: %d/%d", len(r.feeds), r.maxAllowed),
			"You have reached the max number of feeds",
		)
	}
	for _, existing := range r.feeds {
		if existing.FeedType == feedType {
			r.mu.Unlock()
			return nil, rpcerr.InvalidRequest(
				fmt.Sprintf("feed_type %q already active", feedType),
				"Feed type already active",
			)
		}
	}
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	f := &Feed{
		ID:        id,
		FeedType:  feedType,
		accountID: accountID,
		bus:       bus,
		q:         queue.NewConcurrentQueue(MaxBatch),
		sess:      sess,
		cancel:    make(chan CancelReason, 1),
	}
	f.q.Start()

	f.subID = bus.Subscribe("/invoice/finalized", func(topic string, payload interface{}) {
		inv, ok := payload.(store.Invoice)
		if !ok || inv.AccountID != accountID {
			return
		}
		select {
		case f.q.ChanIn() <- Event{InvoiceID: inv.InvoiceID, Status: inv.Status}:
		default:
			log.Warnf("feed %d: queue full, dropping event for invoice %d", id, inv.InvoiceID)
		}
	})

	r.mu.Lock()
	r.feeds[id] = f
	r.mu.Unlock()
	metrics.SetActiveFeeds(int(atomic.AddInt64(&openFeeds, 1)))

	return f, nil
}

// CancelFeed stops the feed with id, if present on this connection.
func (r *Registry) CancelFeed(id int64) error {
	r.mu.Lock()
	f, ok := r.feeds[id]
	if ok {
		delete(r.feeds, id)
	}
	r.mu.Unlock()

	if !ok {
		return rpcerr.InvalidParams(fmt.Sprintf("unknown feed id %d", id))
	}
	f.stop(CancelExplicit)
	return nil
}

// CloseAll stops every feed on the connection, e.g. on transport close.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	feeds := make([]*Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.feeds = make(map[int64]*Feed)
	r.mu.Unlock()

	for _, f := range feeds {
		f.stop(CancelConnectionClosed)
	}
}

func (f *Feed) stop(reason CancelReason) {
	f.once.Do(func() {
		f.bus.Unsubscribe(f.subID)
		f.q.Stop()
		f.cancel <- reason
		close(f.cancel)
		metrics.SetActiveFeeds(int(atomic.AddInt64(&openFeeds, -1)))
	})
}

// Run delivers batches of up to MaxBatch events to emit until the feed is
// canceled, the session expires, or ctx is done. emit is called at most
// once per batch; a non-nil error from emit stops the feed.
func (f *Feed) Run(ctx context.Context, emit func([]Event) error) error {
	for {
		if !f.sess.IsAuthenticated() {
			f.stop(CancelSessionExpired)
			return rpcerr.Unauthenticated()
		}

		batch, ok, err := f.nextBatch(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		if err := emit(batch); err != nil {
			f.stop(CancelExplicit)
			return err
		}
	}
}

// nextBatch waits for at least one event, then drains up to MaxBatch-1
// more that are already queued without blocking, so a burst of finalized
// invoices is delivered as one notification instead of one per tick.
func (f *Feed) nextBatch(ctx context.Context) ([]Event, bool, error) {
	authTick := time.NewTimer(AuthCheckInterval)
	defer authTick.Stop()

	select {
	case first, open := <-f.q.ChanOut():
		if !open {
			return nil, false, nil
		}
		batch := []Event{first.(Event)}
		for len(batch) < MaxBatch {
			select {
			case ev, open := <-f.q.ChanOut():
				if !open {
					return batch, true, nil
				}
				batch = append(batch, ev.(Event))
			default:
				return batch, true, nil
			}
		}
		return batch, true, nil
	case reason := <-f.cancel:
		log.Debugf("feed %d: canceled (%v)", f.ID, reason)
		return nil, false, nil
	case <-ctx.Done():
		f.stop(CancelConnectionClosed)
		return nil, false, nil
	case <-authTick.C:
		// No events arrived within the window; return to Run so it
		// can re-check the session's auth before waiting again.
		return nil, true, nil
	}
}
