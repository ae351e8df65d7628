// Package invoice implements the invoice generator (spec §4.7): it inserts
// a new "created" invoice row and rendezvous-waits for the Lightning
// monitor to pick it up and publish "/invoice/pending" before returning a
// summary to the caller.
package invoice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/rpcerr"
	"github.com/satgateway/gateway/internal/store"
)

var log = logging.SubLogger("INVC")

// PendingWait bounds how long Create waits for the monitor to publish
// "/invoice/pending" before giving up (spec: at least 2s, at most 10s).
const PendingWait = 5 * time.Second

// Summary is the projection returned to the RPC caller once the invoice
// has been picked up by the Lightning monitor.
type Summary struct {
	InvoiceID      int64
	Status         string
	EncodedInvoice string
	ExpiredAt      int64
}

// Store is the narrow persistence contract the generator depends on.
type Store interface {
	CreateInvoice(ctx context.Context, inv store.Invoice) (store.Invoice, error)
}

// Generator creates invoices and waits for them to become ready to pay.
type Generator struct {
	store Store
	bus   *pubsub.Bus
	wait  time.Duration
}

// New builds a Generator. bus must be the same Bus instance the Lightning
// monitor publishes "/invoice/pending" on.
func New(s Store, bus *pubsub.Bus) *Generator {
	return &Generator{store: s, bus: bus, wait: PendingWait}
}

// SetWait overrides how long Create waits for the monitor to publish
// "/invoice/pending" before timing out. Intended to be called once at
// startup from configuration.
func (g *Generator) SetWait(wait time.Duration) {
	g.wait = wait
}

// Create inserts a new invoice for accountID requesting amountCents USD at
// the given sat-per-USD exchangeRate, then blocks until the Lightning
// monitor has assigned it a bolt11 string (status "pending") or the wait
// bound elapses.
//
// The subscription is registered before the insert so that a monitor
// reacting very quickly can never publish before the generator starts
// listening (spec §4.7 step ordering). Because the bus dispatches
// synchronously on the publisher's goroutine, a fast monitor can run its
// whole /invoice/created handler -- including publishing
// "/invoice/pending" -- nested inside the call to CreateInvoice, before
// this function has learned the new row's id. The callback therefore
// buffers every event it sees instead of filtering by id up front; once
// the id is known, Create first drains the buffer before waiting on new
// arrivals, so no delivery that raced ahead of the insert is ever missed.
func (g *Generator) Create(ctx context.Context, accountID string, amountCents, exchangeRate int64) (Summary, error) {
	var mu sync.Mutex
	var buffered []store.Invoice
	arrived := make(chan struct{}, 1)

	subID := g.bus.Subscribe("/invoice/pending", func(topic string, payload interface{}) {
		inv, ok := payload.(store.Invoice)
		if !ok {
			return
		}
		mu.Lock()
		buffered = append(buffered, inv)
		mu.Unlock()
		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	defer g.bus.Unsubscribe(subID)

	created, err := g.store.CreateInvoice(ctx, store.Invoice{
		AccountID:       accountID,
		AmountRequested: amountCents,
		ExchangeRate:    exchangeRate,
	})
	if err != nil {
		return Summary{}, rpcerr.InternalError(fmt.Sprintf("invoice: create failed: %v", err))
	}
	invoiceID := created.InvoiceID

	deadline := time.After(g.wait)
	for {
		mu.Lock()
		for i, inv := range buffered {
			if inv.InvoiceID == invoiceID {
				buffered = append(buffered[:i], buffered[i+1:]...)
				mu.Unlock()
				return toSummary(inv), nil
			}
		}
		mu.Unlock()

		select {
		case <-arrived:
			// loop around and re-scan the buffer
		case <-deadline:
			return Summary{}, rpcerr.Timeout(fmt.Sprintf("invoice %d: timed out waiting for pending status", invoiceID))
		case <-ctx.Done():
			return Summary{}, rpcerr.Timeout(fmt.Sprintf("invoice %d: context canceled", invoiceID))
		}
	}
}

func toSummary(inv store.Invoice) Summary {
	return Summary{
		InvoiceID:      inv.InvoiceID,
		Status:         inv.Status,
		EncodedInvoice: inv.EncodedInvoice,
		ExpiredAt:      inv.ExpiredAt,
	}
}
