// Package monitor implements the Lightning Monitor (spec §4.8): it turns
// newly created invoice rows into real Lightning invoices and polls the
// node until they are paid or expire, grounded on
// original_source/lightning/lightning.py's LightningMonitor.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/satgateway/gateway/internal/lightning"
	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/store"
)

var log = logging.SubLogger("MNTR")

// LabelPrefix namespaces invoice labels passed to the Lightning node so
// they don't collide with labels from any other application sharing the
// node.
const LabelPrefix = "satgateway"

// DefaultPollInterval is how often pending invoices are checked against
// the node, mirroring the original's polling_interval=0.5.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultInvoiceExpiry is the bolt11 expiry window requested from the
// node for every generated invoice.
const DefaultInvoiceExpiry = "10m"

// Store is the narrow persistence contract the monitor depends on.
type Store interface {
	MarkPending(ctx context.Context, invoiceID int64, encodedInvoice string, expiredAt int64) (store.Invoice, error)
	Finalize(ctx context.Context, invoiceID int64, status string) (store.Invoice, error)
}

// Monitor subscribes to "/invoice/created", asks the Lightning node to
// generate a real invoice for each one, and polls the node until each
// pending invoice is paid or expires.
type Monitor struct {
	node   lightning.Node
	store  Store
	bus    *pubsub.Bus
	poll   time.Duration

	mu      sync.Mutex
	pending map[int64]string // invoice id -> node label

	stop chan struct{}
	done chan struct{}

	subID uint64
}

// New builds a Monitor. Call Start to subscribe and begin polling, and
// Stop to shut it down cleanly.
func New(node lightning.Node, s Store, bus *pubsub.Bus) *Monitor {
	return &Monitor{
		node:    node,
		store:   s,
		bus:     bus,
		poll:    DefaultPollInterval,
		pending: make(map[int64]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetPollInterval overrides how often pending invoices are checked against
// the node. Must be called before Start.
func (m *Monitor) SetPollInterval(poll time.Duration) {
	m.poll = poll
}

// Start subscribes to "/invoice/created" and launches the polling loop in
// a background goroutine. The subscription is processed on its own
// goroutine (not inline on the publisher's) so that a slow or blocking
// node call never stalls whatever code path published the event.
func (m *Monitor) Start() {
	m.subID = m.bus.Subscribe("/invoice/created", func(topic string, payload interface{}) {
		inv, ok := payload.(store.Invoice)
		if !ok {
			return
		}
		go m.onInvoiceCreated(inv)
	})
	go m.run()
}

// Stop unsubscribes and waits for the polling loop to exit.
func (m *Monitor) Stop() {
	m.bus.Unsubscribe(m.subID)
	close(m.stop)
	<-m.done
}

func (m *Monitor) onInvoiceCreated(inv store.Invoice) {
	label := fmt.Sprintf("%s-%s-%d", LabelPrefix, inv.AccountID, inv.InvoiceID)
	msatoshi := inv.AmountRequested * inv.ExchangeRate * 1000

	bolt11, expiresAt, err := m.node.Invoice(label, msatoshi, "", DefaultInvoiceExpiry)
	if err != nil {
		log.Errorf("invoice %d: node.Invoice failed: %v", inv.InvoiceID, err)
		return
	}

	updated, err := m.store.MarkPending(context.Background(), inv.InvoiceID, bolt11, expiresAt)
	if err != nil {
		log.Errorf("invoice %d: MarkPending failed: %v", inv.InvoiceID, err)
		return
	}

	m.mu.Lock()
	m.pending[inv.InvoiceID] = label
	m.mu.Unlock()

	m.bus.Publish("/invoice/pending", updated)
}

// run polls every pending label against the node, advancing any invoice
// that has become paid or expired, until Stop is called. Transient
// per-invoice errors are logged and do not remove the entry from the
// pending set, so the next tick retries it.
func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	log.Debug("LightningMonitor start")
	for {
		select {
		case <-m.stop:
			log.Debug("LightningMonitor has stopped.")
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Monitor) pollOnce() {
	m.mu.Lock()
	snapshot := make(map[int64]string, len(m.pending))
	for id, label := range m.pending {
		snapshot[id] = label
	}
	m.mu.Unlock()

	for invoiceID, label := range snapshot {
		status, err := m.node.InvoiceStatus(label)
		if err != nil {
			log.Debugf("invoice %d: InvoiceStatus transient failure: %v", invoiceID, err)
			continue
		}
		if status != "paid" && status != "expired" {
			continue
		}
		m.finalize(invoiceID, status)
	}
}

func (m *Monitor) finalize(invoiceID int64, status string) {
	updated, err := m.store.Finalize(context.Background(), invoiceID, status)
	if err != nil {
		log.Errorf("invoice %d: Finalize(%s) failed: %v", invoiceID, status, err)
		return
	}

	m.mu.Lock()
	delete(m.pending, invoiceID)
	m.mu.Unlock()

	m.bus.Publish("/invoice/finalized", updated)
}
