package wsrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/satgateway/gateway/internal/account"
	"github.com/satgateway/gateway/internal/pubsub"
	"github.com/satgateway/gateway/internal/store"
	"github.com/satgateway/gateway/internal/token"

	"github.com/satgateway/gateway/internal/invoice"
)

type fakeAccountStore struct {
	accounts map[string]account.Account
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]account.Account)}
}

func (f *fakeAccountStore) FindByUsername(ctx context.Context, username string) (account.Account, error) {
	acct, ok := f.accounts[username]
	if !ok {
		return account.Account{}, account.ErrUserNotFound
	}
	return acct, nil
}

func (f *fakeAccountStore) FindByID(ctx context.Context, id string) (account.Account, error) {
	for _, acct := range f.accounts {
		if acct.ID == id {
			return acct, nil
		}
	}
	return account.Account{}, account.ErrUserNotFound
}

func (f *fakeAccountStore) Insert(ctx context.Context, acct account.Account) error {
	if _, ok := f.accounts[acct.Username]; ok {
		return account.ErrUserExists
	}
	acct.ID = acct.Username
	f.accounts[acct.Username] = acct
	return nil
}

// fakeInvoiceStore immediately publishes "/invoice/pending" inside
// CreateInvoice, exercising the same synchronous-nested-publish path
// invoice_test.go covers directly.
type fakeInvoiceStore struct {
	bus    *pubsub.Bus
	nextID int64
}

func (f *fakeInvoiceStore) CreateInvoice(ctx context.Context, inv store.Invoice) (store.Invoice, error) {
	f.nextID++
	inv.InvoiceID = f.nextID
	inv.Status = "created"
	f.bus.Publish("/invoice/created", inv)

	pending := inv
	pending.Status = "pending"
	pending.EncodedInvoice = "lnbc1..."
	pending.ExpiredAt = time.Now().Add(10 * time.Minute).Unix()
	f.bus.Publish("/invoice/pending", pending)

	return inv, nil
}

type fakeExchange struct {
	rate int64
}

func (f *fakeExchange) SatPerUSD(ctx context.Context) (int64, error) {
	return f.rate, nil
}

type testServer struct {
	httpSrv *httptest.Server
	bus     *pubsub.Bus
	secret  []byte
	accts   *fakeAccountStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	bus := pubsub.New()
	accts := newFakeAccountStore()

	secret := make([]byte, token.SecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	tokens, err := token.NewService(secret)
	require.NoError(t, err)

	gen := invoice.New(&fakeInvoiceStore{bus: bus}, bus)

	d := NewDispatcher()
	RegisterMethods(d, Deps{
		AccountStore: accts,
		Tokens:       tokens,
		Invoices:     gen,
		Exchange:     &fakeExchange{rate: 200},
	})

	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, d, Options{Bus: bus})
		conn.Serve(r.Context())
	})

	srv := httptest.NewServer(handler)
	return &testServer{httpSrv: srv, bus: bus, secret: secret, accts: accts}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func idPtr(n int) *json.RawMessage {
	b, _ := json.Marshal(n)
	raw := json.RawMessage(b)
	return &raw
}

func sendRequest(t *testing.T, conn *websocket.Conn, id int, method string, params interface{}) {
	t.Helper()
	paramsRaw, err := json.Marshal(params)
	require.NoError(t, err)
	req := Request{Jsonrpc: jsonrpcVersion, Method: method, Params: paramsRaw, ID: idPtr(id)}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readResponse(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func authenticate(t *testing.T, ts *testServer, conn *websocket.Conn, username string) {
	t.Helper()
	acct, err := account.CreateAccount(context.Background(), ts.accts, username, "unused-password", username+"@example.com")
	require.NoError(t, err)

	tokens, err := token.NewService(ts.secret)
	require.NoError(t, err)
	tok, err := tokens.Build(token.Payload{
		Subject:  acct.ID,
		IssuedAt: time.Now().Unix(),
		Expiry:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	sendRequest(t, conn, 1, "authenticate", map[string]string{"jwt_token": tok})
	resp := readResponse(t, conn)
	require.Nil(t, resp.Error)
	require.Equal(t, "ok", resp.Result)
}

func TestEchoRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	sendRequest(t, conn, 1, "echo", map[string]string{"msg": "hi"})
	resp := readResponse(t, conn)

	require.NotNil(t, resp.Error)
	require.Equal(t, -32600, resp.Error.Code)
	require.Equal(t, "Please authenticate", resp.Error.Message)
}

func TestAuthenticateThenEcho(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "alice")

	sendRequest(t, conn, 2, "echo", map[string]string{"msg": "hello"})
	resp := readResponse(t, conn)

	require.Nil(t, resp.Error)
	require.Equal(t, "hello", resp.Result)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	sendRequest(t, conn, 1, "no_such_method", map[string]string{})
	resp := readResponse(t, conn)

	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestMalformedJSONReturnsParseError(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := readResponse(t, conn)

	require.NotNil(t, resp.Error)
	require.Equal(t, -32700, resp.Error.Code)
}

func TestWrongJSONRPCVersionReturnsInvalidRequest(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	req := Request{Jsonrpc: "1.0", Method: "echo", ID: idPtr(1)}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	resp := readResponse(t, conn)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32600, resp.Error.Code)
}

func TestAuthenticateThenCreateInvoice(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "bob")

	sendRequest(t, conn, 2, "create_invoice", map[string]int64{"amount_requested": 500})
	resp := readResponse(t, conn)

	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "pending", result["Status"])
}

func TestNotificationReceivesNoResponse(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "carol")

	notif := Request{Jsonrpc: jsonrpcVersion, Method: "echo", Params: json.RawMessage(`{"msg":"quiet"}`)}
	data, err := json.Marshal(notif)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	sendRequest(t, conn, 9, "echo", map[string]string{"msg": "loud"})
	resp := readResponse(t, conn)

	require.Nil(t, resp.Error)
	require.Equal(t, "loud", resp.Result)
}

func TestSelectFeedRejectsBeyondQuota(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "dave")

	sendRequest(t, conn, 2, "select_feed", map[string]string{"feed_type": "finalized_invoices"})
	resp := readResponse(t, conn)
	require.Nil(t, resp.Error)
	require.Equal(t, float64(1), resp.Result)

	sendRequest(t, conn, 3, "select_feed", map[string]string{"feed_type": "finalized_invoices"})
	resp = readResponse(t, conn)
	require.NotNil(t, resp.Error)
	require.Equal(t, "You have reached the max number of feeds", resp.Error.Message)
}

func TestSelectFeedThenCancelFeedReturnsOk(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "erin")

	sendRequest(t, conn, 2, "select_feed", map[string]string{"feed_type": "finalized_invoices"})
	resp := readResponse(t, conn)
	require.Nil(t, resp.Error)
	feedID := resp.Result

	sendRequest(t, conn, 3, "cancel_feed", map[string]interface{}{"feed_id": feedID})
	resp = readResponse(t, conn)
	require.Nil(t, resp.Error)
	require.Equal(t, "ok", resp.Result)
}

func TestEchoAcceptsPositionalArrayParams(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	authenticate(t, ts, conn, "frank")

	sendRequest(t, conn, 2, "echo", []string{"hi"})
	resp := readResponse(t, conn)

	require.Nil(t, resp.Error)
	require.Equal(t, "hi", resp.Result)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()
	conn := ts.dial(t)
	defer conn.Close()

	acct, err := account.CreateAccount(context.Background(), ts.accts, "grace", "unused-password", "grace@example.com")
	require.NoError(t, err)

	tokens, err := token.NewService(ts.secret)
	require.NoError(t, err)
	tok, err := tokens.Build(token.Payload{
		Subject:  acct.ID,
		IssuedAt: time.Now().Add(-2 * time.Hour).Unix(),
		Expiry:   time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)

	sendRequest(t, conn, 1, "authenticate", map[string]string{"jwt_token": tok})
	resp := readResponse(t, conn)

	require.NotNil(t, resp.Error)
	require.Equal(t, "Invalid token", resp.Error.Message)
}
