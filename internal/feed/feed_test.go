package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/session"
	"github.com/satgateway/gateway/internal/store"
)

func authedSession() *session.Session {
	s := session.New()
	s.Authenticate("acct-1", time.Now().Add(time.Hour))
	return s
}

func TestSelectFeedDeliversFilteredFinalizedEvents(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(1)
	sess := authedSession()

	f, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	var got []Event
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		f.Run(ctx, func(batch []Event) error {
			got = append(got, batch...)
			if len(got) >= 1 {
				close(done)
			}
			return nil
		})
	}()

	bus.Publish("/invoice/finalized", store.Invoice{InvoiceID: 1, AccountID: "acct-2", Status: "paid"})
	bus.Publish("/invoice/finalized", store.Invoice{InvoiceID: 2, AccountID: "acct-1", Status: "paid"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected feed to deliver an event")
	}

	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].InvoiceID)
}

func TestSelectFeedRejectsBeyondQuota(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(1)
	sess := authedSession()

	_, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	_, err = reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.Error(t, err)
}

func TestSelectFeedRejectsUnknownFeedType(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(2)
	sess := authedSession()

	_, err := reg.SelectFeed(bus, sess, "acct-1", "bogus")
	require.Error(t, err)
}

func TestSelectFeedRejectsSameFeedTypeAlreadyActive(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(2)
	sess := authedSession()

	_, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	_, err = reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.Error(t, err)
}

func TestCancelFeedStopsDelivery(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(1)
	sess := authedSession()

	f, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- f.Run(context.Background(), func(batch []Event) error { return nil })
	}()

	require.NoError(t, reg.CancelFeed(f.ID))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancellation")
	}
}

func TestFeedStopsWhenSessionExpires(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(1)
	sess := session.New()
	sess.Authenticate("acct-1", time.Now().Add(20*time.Millisecond))

	f, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- f.Run(context.Background(), func(batch []Event) error { return nil })
	}()

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to return once session expired")
	}
}

// TestCloseAllStopsEveryFeed exercises CloseAll against every feed tracked
// by a registry. Only one feed_type is recognized today, and select_feed
// with a feed_type already active on the connection fails, so a single
// connection can only ever hold one concurrently active feed -- this
// still exercises the "every feed in the registry" loop in CloseAll.
func TestCloseAllStopsEveryFeed(t *testing.T) {
	bus := pubsub.New()
	reg := NewRegistry(1)
	sess := authedSession()

	f, err := reg.SelectFeed(bus, sess, "acct-1", FeedTypeFinalizedInvoices)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- f.Run(context.Background(), func([]Event) error { return nil }) }()

	reg.CloseAll()

	select {
	case <-runErr:
	case <-time.After(time.Second):
		t.Fatal("expected f.Run to return")
	}
}
