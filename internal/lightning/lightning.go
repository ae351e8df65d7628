// Package lightning talks to the merchant's Lightning node over its local
// JSON-RPC-over-Unix-socket interface (c-lightning/CLN style, not lnd's
// gRPC), grounded on original_source/lightning/lightning.py.
package lightning

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/satgateway/gateway/internal/logging"
)

var log = logging.SubLogger("LGHT")

// retryDelay is how long a client sleeps before retrying a call once after
// a transient RPC error, mirroring the original's time.sleep(0.5).
const retryDelay = 500 * time.Millisecond

// client is a single connection to the node's Unix socket, speaking
// newline-delimited JSON-RPC 2.0. Each response is followed by a second,
// blank trailing line (c-lightning's framing); the client reads and
// discards it.
type client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int
}

func dial(socketPath string) (*client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("lightning: failed to open socket %s: %w", socketPath, err)
	}
	return &client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *client) close() {
	c.conn.Close()
}

type rpcRequest struct {
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
	Jsonrpc string      `json:"jsonrpc"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     int             `json:"id"`
}

// call issues method with params, retrying exactly once after retryDelay if
// the node returns an RPC-level error.
func (c *client) call(method string, params interface{}) (rpcResponse, error) {
	resp, err := c.rawCall(method, params)
	if err != nil {
		return rpcResponse{}, err
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		log.Warnf("lightning call %s: retrying after transient error: %s", method, resp.Error)
		time.Sleep(retryDelay)
		return c.rawCall(method, params)
	}
	return resp, nil
}

func (c *client) rawCall(method string, params interface{}) (rpcResponse, error) {
	req := rpcRequest{
		Method:  method,
		Params:  params,
		ID:      c.nextID,
		Jsonrpc: "2.0",
	}
	c.nextID++

	msg, err := json.Marshal(req)
	if err != nil {
		return rpcResponse{}, err
	}
	if _, err := c.conn.Write(append(msg, '\n')); err != nil {
		return rpcResponse{}, fmt.Errorf("lightning: write failed: %w", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return rpcResponse{}, fmt.Errorf("lightning: read failed: %w", err)
	}
	// Each response ends with two newlines; discard the trailing blank line.
	if _, err := c.reader.ReadString('\n'); err != nil {
		return rpcResponse{}, fmt.Errorf("lightning: read trailer failed: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return rpcResponse{}, fmt.Errorf("lightning: malformed response: %w", err)
	}
	return resp, nil
}

// Invoice is the subset of c-lightning's listinvoices entry the gateway
// needs.
type Invoice struct {
	Label     string `json:"label"`
	Bolt11    string `json:"bolt11"`
	Msatoshi  int64  `json:"msatoshi"`
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expires_at"`
}

// Node is the Lightning node client the invoice monitor depends on (spec
// §4.8, §6).
type Node interface {
	// Invoice asks the node to generate a bolt11 invoice for label,
	// returning the encoded invoice string and its expiry as a Unix
	// timestamp. description must be under 100 characters (it is encoded
	// into the invoice). expiry uses c-lightning's duration syntax, e.g.
	// "10m".
	Invoice(label string, msatoshi int64, description, expiry string) (bolt11 string, expiresAt int64, err error)
	// InvoiceStatus returns one of "unpaid", "paid", "expired" for label.
	InvoiceStatus(label string) (status string, err error)
}

// UnixSocketNode is a Node backed by a CLN-style Unix domain socket. Each
// call opens and closes its own connection, mirroring the original's
// CreateLightningClient-per-call pattern.
type UnixSocketNode struct {
	SocketPath string
}

// NewUnixSocketNode builds a UnixSocketNode pointed at socketPath.
func NewUnixSocketNode(socketPath string) *UnixSocketNode {
	return &UnixSocketNode{SocketPath: socketPath}
}

func (n *UnixSocketNode) Invoice(label string, msatoshi int64, description, expiry string) (string, int64, error) {
	if len(description) >= 100 {
		return "", 0, fmt.Errorf("lightning: description must be under 100 characters, got %d", len(description))
	}

	c, err := dial(n.SocketPath)
	if err != nil {
		return "", 0, err
	}
	defer c.close()

	params := map[string]interface{}{
		"msatoshi":    msatoshi,
		"label":       label,
		"description": description,
		"expiry":      expiry,
	}
	resp, err := c.call("invoice", params)
	if err != nil {
		return "", 0, err
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return "", 0, fmt.Errorf("lightning: invoice failed: %s", resp.Error)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", 0, fmt.Errorf("lightning: malformed invoice result: %w", err)
	}

	var warnings []string
	for key := range result {
		if strings.HasPrefix(key, "warning_") {
			warnings = append(warnings, key)
		}
	}
	if len(warnings) > 0 {
		return "", 0, fmt.Errorf("lightning: invoice has warnings: %v", warnings)
	}

	bolt11, _ := result["bolt11"].(string)
	expiresAt, _ := result["expires_at"].(float64)
	return bolt11, int64(expiresAt), nil
}

func (n *UnixSocketNode) InvoiceStatus(label string) (string, error) {
	c, err := dial(n.SocketPath)
	if err != nil {
		return "", err
	}
	defer c.close()

	resp, err := c.call("listinvoices", map[string]interface{}{"label": label})
	if err != nil {
		return "", err
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return "", fmt.Errorf("lightning: listinvoices failed: %s", resp.Error)
	}

	var result struct {
		Invoices []Invoice `json:"invoices"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("lightning: malformed listinvoices result: %w", err)
	}
	if len(result.Invoices) != 1 {
		return "", fmt.Errorf("lightning: expected exactly 1 invoice for %s, got %d", label, len(result.Invoices))
	}

	return result.Invoices[0].Status, nil
}
