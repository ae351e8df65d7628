package wsrpc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/satgateway/gateway/internal/feed"
	"github.com/satgateway/gateway/internal/logging"
	"github.com/satgateway/gateway/internal/metrics"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/rpcerr"
	"github.com/satgateway/gateway/internal/session"
)

var log = logging.SubLogger("RPCD")

// DefaultWorkerPoolSize is how many goroutines cooperatively process
// inbound requests for a single connection. A feed started by select_feed
// streams on its own goroutine, not on a pool worker, so the pool size
// does not bound the number of feeds; only MaxFeedsAllowed does.
const DefaultWorkerPoolSize = 4

// DefaultInboundQueueSize bounds how many parsed-but-not-yet-dispatched
// requests a connection will buffer before Serve starts applying
// backpressure on the socket read loop.
const DefaultInboundQueueSize = 64

// DefaultRequestsPerSecond and DefaultRequestBurst bound how many requests
// a single connection may submit per second, grounded on the teacher's
// proxy/ratelimiter.go token bucket (rate.NewLimiter(rate.Every(per/n), burst)).
const (
	DefaultRequestsPerSecond = 50
	DefaultRequestBurst      = 50
)

// Conn is one full-duplex client connection: a websocket, a session, a
// feed registry, and a fixed worker pool sharing an inbound request
// queue so that multiple in-flight requests can be processed concurrently
// and returned out of order (spec §4.4).
type Conn struct {
	ws         *websocket.Conn
	dispatcher *Dispatcher

	Session *session.Session
	Feeds   *feed.Registry

	eventBus *pubsub.Bus

	limiter *rate.Limiter

	writeMu sync.Mutex

	inbound chan Request

	workerPoolSize int
}

// Options configures a Conn.
type Options struct {
	WorkerPoolSize    int
	MaxFeedsAllowed   int
	Bus               *pubsub.Bus
	RequestsPerSecond int
	RequestBurst      int
}

// NewConn wraps ws in a Conn ready to Serve.
func NewConn(ws *websocket.Conn, dispatcher *Dispatcher, opts Options) *Conn {
	poolSize := opts.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = DefaultRequestBurst
	}
	return &Conn{
		ws:             ws,
		dispatcher:     dispatcher,
		Session:        session.New(),
		Feeds:          feed.NewRegistry(opts.MaxFeedsAllowed),
		eventBus:       opts.Bus,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		inbound:        make(chan Request, DefaultInboundQueueSize),
		workerPoolSize: poolSize,
	}
}

// Bus returns the shared event bus this connection's feeds subscribe on.
func (c *Conn) Bus() *pubsub.Bus {
	return c.eventBus
}

// Serve reads frames off the websocket and dispatches them to the worker
// pool until the connection closes or ctx is done. It blocks until the
// connection terminates.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Feeds.CloseAll()

	var wg sync.WaitGroup
	for i := 0; i < c.workerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}

	c.readLoop(ctx)

	close(c.inbound)
	wg.Wait()
}

// readLoop owns the single websocket reader (gorilla/websocket forbids
// concurrent reads) and feeds parsed requests to the worker pool.
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		log.Debug("connection closed, releasing workers and feeds")
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("read loop exiting: %v", err)
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.writeResponse(Response{
				Jsonrpc: jsonrpcVersion,
				Error:   toWireError(rpcerr.ParseError(err.Error())),
			})
			continue
		}

		if !c.limiter.Allow() {
			if req.ID != nil {
				c.writeResponse(Response{
					Jsonrpc: jsonrpcVersion,
					ID:      req.ID,
					Error:   toWireError(rpcerr.InvalidRequest("rate limit exceeded", "Too many requests")),
				})
			}
			continue
		}

		select {
		case c.inbound <- req:
		case <-ctx.Done():
			return
		}
	}
}

// worker drains the inbound queue and dispatches each request, allowing
// up to workerPoolSize requests to be in flight on this connection at
// once (spec §4.4's multiple-in-flight-requests-per-connection model).
func (c *Conn) worker(ctx context.Context) {
	for {
		select {
		case req, ok := <-c.inbound:
			if !ok {
				return
			}
			c.handle(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) handle(ctx context.Context, req Request) {
	resp := c.dispatch(ctx, req)
	if req.ID == nil {
		// Notification: no response is sent, even on error.
		return
	}
	resp.ID = req.ID
	c.writeResponse(resp)
}

func (c *Conn) dispatch(ctx context.Context, req Request) Response {
	start := time.Now()

	if req.Jsonrpc != jsonrpcVersion {
		metrics.RecordRPCCall(req.Method, "invalid_request", time.Since(start))
		return Response{
			Jsonrpc: jsonrpcVersion,
			Error:   toWireError(rpcerr.InvalidRequest("bad jsonrpc version", "Invalid request")),
		}
	}

	handler, ok := c.dispatcher.Lookup(req.Method)
	if !ok {
		metrics.RecordRPCCall(req.Method, "method_not_found", time.Since(start))
		return Response{
			Jsonrpc: jsonrpcVersion,
			Error:   toWireError(rpcerr.MethodNotFound(req.Method)),
		}
	}

	result, err := handler(ctx, c, req.Params)
	if err != nil {
		rpcErr, ok := err.(*rpcerr.Error)
		if !ok {
			rpcErr = rpcerr.InternalError(err.Error())
		}
		metrics.RecordRPCCall(req.Method, strconv.Itoa(int(rpcErr.Code)), time.Since(start))
		return Response{Jsonrpc: jsonrpcVersion, Error: toWireError(rpcErr)}
	}
	metrics.RecordRPCCall(req.Method, "ok", time.Since(start))
	return Response{Jsonrpc: jsonrpcVersion, Result: result}
}

// writeResponse serializes resp and writes it to the socket. Writes are
// serialized with writeMu since gorilla/websocket forbids concurrent
// writers, and both worker goroutines and feed notifications share the
// connection.
func (c *Conn) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("failed to marshal response: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debugf("write failed: %v", err)
	}
}

// Notify sends a server-initiated JSON-RPC notification, used to deliver
// feed batches (spec §4.9).
func (c *Conn) Notify(method string, params interface{}) {
	data, err := json.Marshal(Notification{Jsonrpc: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		log.Errorf("failed to marshal notification: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debugf("notify write failed: %v", err)
	}
}

func toWireError(e *rpcerr.Error) *ResponseError {
	return &ResponseError{Code: int(e.Code), Message: e.MessageToClient}
}
