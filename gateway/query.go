package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TxnStatus reports the provider's view of one transaction.
type TxnStatus struct {
	TxnRef        string
	ResponseCode  string
	TransactionNo string
	Amount        int64
}

// Captured reports whether the provider holds money for this transaction.
func (s TxnStatus) Captured() bool {
	return s.ResponseCode == ResponseCodeSuccess
}

// Querier looks up the state of a transaction at the provider. Used before
// terminating stale payments, so a lost callback never voids captured money.
type Querier interface {
	QueryTransaction(ctx context.Context, txnRef string) (*TxnStatus, error)
}

// HTTPQuerier implements Querier against the provider's query endpoint.
type HTTPQuerier struct {
	endpoint   string
	merchantID string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPQuerier constructs a querier with sane defaults.
func NewHTTPQuerier(endpoint, merchantID, secret string) *HTTPQuerier {
	return &HTTPQuerier{
		endpoint:   strings.TrimRight(endpoint, "/"),
		merchantID: merchantID,
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// QueryTransaction posts a signed query request and verifies the signature on
// the provider's reply before trusting it.
func (q *HTTPQuerier) QueryTransaction(ctx context.Context, txnRef string) (*TxnStatus, error) {
	if q == nil || q.endpoint == "" {
		return nil, fmt.Errorf("gateway: querier not configured")
	}
	if strings.TrimSpace(txnRef) == "" {
		return nil, fmt.Errorf("gateway: txn ref required")
	}
	values := url.Values{}
	values.Set("pay_Version", "2.1.0")
	values.Set("pay_Command", "querydr")
	values.Set("pay_TmnCode", q.merchantID)
	values.Set(paramTxnRef, txnRef)
	values.Set("pay_CreateDate", q.now().UTC().Format("20060102150405"))
	values.Set(paramSecureHash, Sign(values, q.secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: query request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway: query status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var fields map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, fmt.Errorf("gateway: decode query reply: %w", err)
	}
	reply := url.Values{}
	for key, value := range fields {
		reply.Set(key, value)
	}
	if err := Verify(reply, fields[paramSecureHash], q.secret); err != nil {
		return nil, fmt.Errorf("gateway: query reply: %w", err)
	}

	status := &TxnStatus{
		TxnRef:        fields[paramTxnRef],
		ResponseCode:  fields[paramResponseCode],
		TransactionNo: fields[paramTransactionNo],
	}
	if raw := strings.TrimSpace(fields[paramAmount]); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gateway: invalid %s in query reply: %q", paramAmount, raw)
		}
		status.Amount = amount
	}
	return status, nil
}
