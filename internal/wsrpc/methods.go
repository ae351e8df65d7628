package wsrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/satgateway/gateway/internal/account"
	"github.com/satgateway/gateway/internal/exchange"
	"github.com/satgateway/gateway/internal/feed"
	"github.com/satgateway/gateway/internal/invoice"
	"github.com/satgateway/gateway/internal/rpcerr"
	"github.com/satgateway/gateway/internal/token"
)

// normalizeParams accepts either an object or a positional array (spec
// §4.4: "params may be an array (positional) or an object (named)") and
// returns an object keyed by fields, in order, so every handler can
// unmarshal into its params struct regardless of which form the caller
// used.
func normalizeParams(raw json.RawMessage, fields ...string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return raw, nil
	}

	var positional []json.RawMessage
	if err := json.Unmarshal(trimmed, &positional); err != nil {
		return nil, err
	}

	obj := make(map[string]json.RawMessage, len(positional))
	for i, v := range positional {
		if i >= len(fields) {
			break
		}
		obj[fields[i]] = v
	}
	return json.Marshal(obj)
}

// Deps bundles the collaborators the built-in RPC methods need. Passed to
// RegisterMethods once at server startup.
type Deps struct {
	AccountStore account.Store
	Tokens       *token.Service
	Invoices     *invoice.Generator
	Exchange     exchange.Source
}

// RegisterMethods wires the gateway's fixed method table onto dispatcher
// (spec §4.5): authenticate, echo, select_feed, cancel_feed,
// create_invoice. Every method but authenticate requires an authenticated
// session.
func RegisterMethods(d *Dispatcher, deps Deps) {
	d.Register("authenticate", authenticateHandler(deps))
	d.Register("echo", requireAuth(echoHandler))
	d.Register("select_feed", requireAuth(selectFeedHandler(deps)))
	d.Register("cancel_feed", requireAuth(cancelFeedHandler))
	d.Register("create_invoice", requireAuth(createInvoiceHandler(deps)))
}

// requireAuth wraps a handler so it runs only once conn.Session.CheckAuth
// succeeds (spec §4.6: every non-authenticate call is checked).
func requireAuth(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn *Conn, params json.RawMessage) (interface{}, error) {
		if _, err := conn.Session.CheckAuth(); err != nil {
			return nil, err
		}
		return next(ctx, conn, params)
	}
}

type authenticateParams struct {
	JwtToken string `json:"jwt_token"`
}

// authenticateHandler verifies a client-presented token (spec §4.2, §4.6):
// it never mints one. The client obtains its token out of band; this
// handler's entire job is checking the signature, checking exp > now(),
// and resolving the account the verified subject names.
func authenticateHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
		normalized, err := normalizeParams(raw, "jwt_token")
		if err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		var params authenticateParams
		if err := json.Unmarshal(normalized, &params); err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}

		payload, err := deps.Tokens.Verify(params.JwtToken)
		if err != nil {
			return nil, rpcerr.InvalidToken(err.Error())
		}
		if payload.Expiry <= time.Now().Unix() {
			return nil, rpcerr.InvalidToken("token expired")
		}

		acct, err := deps.AccountStore.FindByID(ctx, payload.Subject)
		if err != nil {
			return nil, rpcerr.InvalidToken(err.Error())
		}

		conn.Session.Authenticate(acct.ID, time.Unix(payload.Expiry, 0))
		return "ok", nil
	}
}

type echoParams struct {
	Msg string `json:"msg"`
}

func echoHandler(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
	normalized, err := normalizeParams(raw, "msg")
	if err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	var params echoParams
	if err := json.Unmarshal(normalized, &params); err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	return params.Msg, nil
}

type createInvoiceParams struct {
	AmountRequested int64 `json:"amount_requested"`
}

func createInvoiceHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
		normalized, err := normalizeParams(raw, "amount_requested")
		if err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		var params createInvoiceParams
		if err := json.Unmarshal(normalized, &params); err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		if params.AmountRequested <= 0 {
			return nil, rpcerr.InvalidParams("amount_requested must be positive")
		}

		accountID, err := conn.Session.CheckAuth()
		if err != nil {
			return nil, err
		}

		rate, err := deps.Exchange.SatPerUSD(ctx)
		if err != nil {
			return nil, rpcerr.InternalError("exchange rate unavailable: " + err.Error())
		}

		return deps.Invoices.Create(ctx, accountID, params.AmountRequested, rate)
	}
}

type selectFeedParams struct {
	FeedType string `json:"feed_type"`
}

func selectFeedHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
		accountID, err := conn.Session.CheckAuth()
		if err != nil {
			return nil, err
		}

		normalized, err := normalizeParams(raw, "feed_type")
		if err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		var params selectFeedParams
		if err := json.Unmarshal(normalized, &params); err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}

		f, err := conn.Feeds.SelectFeed(conn.Bus(), conn.Session, accountID, params.FeedType)
		if err != nil {
			return nil, err
		}

		go func() {
			_ = f.Run(ctx, func(batch []feed.Event) error {
				conn.Notify("feed", map[string]interface{}{
					"feed_id": f.ID,
					"feed":    batch,
				})
				return nil
			})
		}()

		return f.ID, nil
	}
}

type cancelFeedParams struct {
	FeedID int64 `json:"feed_id"`
}

func cancelFeedHandler(ctx context.Context, conn *Conn, raw json.RawMessage) (interface{}, error) {
	normalized, err := normalizeParams(raw, "feed_id")
	if err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	var params cancelFeedParams
	if err := json.Unmarshal(normalized, &params); err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	if err := conn.Feeds.CancelFeed(params.FeedID); err != nil {
		return nil, err
	}
	return "ok", nil
}
