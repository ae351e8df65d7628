// Package exchange fetches the current BTC/USD exchange rate used to
// convert invoice amounts from USD to millisatoshis, grounded on
// original_source/lightning/market.py's exchange_info.
package exchange

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/satgateway/gateway/internal/logging"
)

var log = logging.SubLogger("EXCH")

// coin is the number of satoshis in one BTC.
const coin = 100_000_000

// Source fetches the current exchange rate. The default implementation is
// an HTTP client hitting the same endpoint the original used; tests
// substitute a stub.
type Source interface {
	// SatPerUSD returns how many satoshis one USD is currently worth.
	SatPerUSD(ctx context.Context) (int64, error)
}

// HTTPSource is a Source backed by an HTTP GET against url, which must
// return a plain-text decimal number of BTC per USD.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource builds an HTTPSource pointed at url (the configured default
// is the blockchain.info "tobtc" endpoint used by the original), with a
// bounded request timeout.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// SatPerUSD issues an HTTP GET against URL, parses the plain-text response
// as a decimal number of BTC per USD, and converts it to satoshis per USD.
func (s *HTTPSource) SatPerUSD(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	btcPerUSD, err := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
	if err != nil {
		log.Warnf("exchange_info: failed to parse rate response %q: %v", string(body), err)
		return 0, err
	}

	satPerUSD := int64(btcPerUSD*coin + 0.5)
	return satPerUSD, nil
}

// StatusError wraps a non-200 HTTP response from the exchange rate source.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "exchange: unexpected status " + strconv.Itoa(e.StatusCode)
}
