package invoice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/rpcerr"
	"github.com/satgateway/gateway/internal/store"
)

// fakeStore hands out sequential invoice ids and optionally runs a hook
// synchronously before returning, simulating a monitor that reacts to
// "/invoice/created" inline on the same goroutine.
type fakeStore struct {
	nextID int64
	onCreate func(store.Invoice)
}

func (f *fakeStore) CreateInvoice(ctx context.Context, inv store.Invoice) (store.Invoice, error) {
	f.nextID++
	inv.InvoiceID = f.nextID
	inv.Status = store.InvoiceCreated
	if f.onCreate != nil {
		f.onCreate(inv)
	}
	return inv, nil
}

func TestCreateWaitsForPendingEvent(t *testing.T) {
	bus := pubsub.New()
	fs := &fakeStore{}
	gen := New(fs, bus)
	gen.wait = time.Second

	go func() {
		// Give Create a moment to subscribe and insert, then publish
		// asynchronously like a monitor running in its own goroutine.
		time.Sleep(20 * time.Millisecond)
		bus.Publish("/invoice/pending", store.Invoice{
			InvoiceID:      1,
			Status:         store.InvoicePending,
			EncodedInvoice: "lnbc1...",
			ExpiredAt:      123,
		})
	}()

	summary, err := gen.Create(context.Background(), "acct-1", 500, 3000)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.InvoiceID)
	require.Equal(t, "lnbc1...", summary.EncodedInvoice)
}

func TestCreateHandlesSynchronousNestedPublish(t *testing.T) {
	bus := pubsub.New()
	fs := &fakeStore{}
	fs.onCreate = func(inv store.Invoice) {
		// Simulate a monitor whose whole /invoice/created handler,
		// including its own publish, runs nested inside CreateInvoice
		// -- before Create has learned inv.InvoiceID.
		bus.Publish("/invoice/pending", store.Invoice{
			InvoiceID:      inv.InvoiceID,
			Status:         store.InvoicePending,
			EncodedInvoice: "lnbc1...",
		})
	}
	gen := New(fs, bus)
	gen.wait = time.Second

	summary, err := gen.Create(context.Background(), "acct-1", 500, 3000)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.InvoiceID)
	require.Equal(t, "lnbc1...", summary.EncodedInvoice)
}

func TestCreateTimesOutWithoutPendingEvent(t *testing.T) {
	bus := pubsub.New()
	fs := &fakeStore{}
	gen := New(fs, bus)
	gen.wait = 50 * time.Millisecond

	_, err := gen.Create(context.Background(), "acct-1", 500, 3000)
	require.Error(t, err)
	rpcErr, ok := err.(*rpcerr.Error)
	require.True(t, ok)
	require.Equal(t, rpcerr.CodeInternalError, rpcErr.Code)
}

func TestCreateIgnoresPendingEventsForOtherInvoices(t *testing.T) {
	bus := pubsub.New()
	fs := &fakeStore{}
	gen := New(fs, bus)
	gen.wait = 100 * time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish("/invoice/pending", store.Invoice{InvoiceID: 999, Status: store.InvoicePending})
	}()

	_, err := gen.Create(context.Background(), "acct-1", 500, 3000)
	require.Error(t, err)
}
