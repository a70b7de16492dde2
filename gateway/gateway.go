// Package gateway implements the payment-provider protocol layer: the
// callback (IPN) parameter set, canonical request signing, provider response
// codes, and the outbound client used to build checkout URLs. Only one
// provider is supported, but everything provider-specific lives here so
// another gateway can be swapped in behind the same types.
package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Provider response codes returned to the gateway from the IPN endpoint. The
// gateway retries delivery on anything but the accept code, so the endpoint
// must answer with these instead of bare HTTP errors.
const (
	RspAccept           = "00"
	RspOrderNotFound    = "01"
	RspAlreadyConfirmed = "02"
	RspInvalidChecksum  = "97"
	RspUnknownError     = "99"
)

// ResponseCodeSuccess is the transaction response code the provider sends
// when the customer's payment was captured.
const ResponseCodeSuccess = "00"

// IPNResponse is the body the provider expects from the callback endpoint.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// CallbackParams carries the fields of one gateway callback after form
// decoding. SecureHash holds the signature supplied by the provider.
type CallbackParams struct {
	TxnRef        string
	ResponseCode  string
	TransactionNo string
	BankCode      string
	CardType      string
	Amount        int64
	PayDate       string
	SecureHash    string
}

// Success reports whether the response code indicates captured money.
func (p CallbackParams) Success() bool {
	return p.ResponseCode == ResponseCodeSuccess
}

// Form parameter names used by the provider.
const (
	paramTxnRef        = "pay_TxnRef"
	paramResponseCode  = "pay_ResponseCode"
	paramTransactionNo = "pay_TransactionNo"
	paramBankCode      = "pay_BankCode"
	paramCardType      = "pay_CardType"
	paramAmount        = "pay_Amount"
	paramPayDate       = "pay_PayDate"
	paramSecureHash    = "pay_SecureHash"
	paramSecureHashTyp = "pay_SecureHashType"
)

// ParseCallback decodes the provider's form values into CallbackParams.
// The amount is transmitted in minor units.
func ParseCallback(values url.Values) (CallbackParams, error) {
	params := CallbackParams{
		TxnRef:        strings.TrimSpace(values.Get(paramTxnRef)),
		ResponseCode:  strings.TrimSpace(values.Get(paramResponseCode)),
		TransactionNo: strings.TrimSpace(values.Get(paramTransactionNo)),
		BankCode:      strings.TrimSpace(values.Get(paramBankCode)),
		CardType:      strings.TrimSpace(values.Get(paramCardType)),
		PayDate:       strings.TrimSpace(values.Get(paramPayDate)),
		SecureHash:    strings.TrimSpace(values.Get(paramSecureHash)),
	}
	if params.TxnRef == "" {
		return CallbackParams{}, fmt.Errorf("gateway: %s required", paramTxnRef)
	}
	if params.ResponseCode == "" {
		return CallbackParams{}, fmt.Errorf("gateway: %s required", paramResponseCode)
	}
	if raw := strings.TrimSpace(values.Get(paramAmount)); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return CallbackParams{}, fmt.Errorf("gateway: invalid %s: %q", paramAmount, raw)
		}
		params.Amount = amount
	}
	return params, nil
}

// Values re-encodes the params into provider form values, signature included.
// Used by the client when building URLs and by tests when forging callbacks.
func (p CallbackParams) Values() url.Values {
	values := url.Values{}
	values.Set(paramTxnRef, p.TxnRef)
	values.Set(paramResponseCode, p.ResponseCode)
	if p.TransactionNo != "" {
		values.Set(paramTransactionNo, p.TransactionNo)
	}
	if p.BankCode != "" {
		values.Set(paramBankCode, p.BankCode)
	}
	if p.CardType != "" {
		values.Set(paramCardType, p.CardType)
	}
	if p.Amount != 0 {
		values.Set(paramAmount, strconv.FormatInt(p.Amount, 10))
	}
	if p.PayDate != "" {
		values.Set(paramPayDate, p.PayDate)
	}
	if p.SecureHash != "" {
		values.Set(paramSecureHash, p.SecureHash)
	}
	return values
}

// canonicalize produces the string covered by the signature: the signature
// fields removed, remaining keys sorted lexicographically, each value
// URL-encoded, pairs joined as key=value with '&'.
func canonicalize(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == paramSecureHash || key == paramSecureHashTyp {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		value := values.Get(key)
		if value == "" {
			continue
		}
		pairs = append(pairs, key+"="+url.QueryEscape(value))
	}
	return strings.Join(pairs, "&")
}

// PayURLRequest describes one checkout URL to build for the customer.
type PayURLRequest struct {
	TxnRef    string
	Amount    int64
	OrderInfo string
	ClientIP  string
	CreatedAt time.Time
}

// Client abstracts the provider operations the engine performs outbound.
type Client interface {
	// BuildPayURL returns the hosted checkout URL for a payment attempt.
	BuildPayURL(req PayURLRequest) (string, error)
}

// URLClient builds signed checkout URLs for the hosted payment page.
type URLClient struct {
	baseURL    string
	merchantID string
	returnURL  string
	secret     []byte
}

// NewURLClient constructs the provider client.
func NewURLClient(baseURL, merchantID, returnURL, secret string) *URLClient {
	return &URLClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		returnURL:  returnURL,
		secret:     []byte(secret),
	}
}

// BuildPayURL assembles and signs the checkout URL.
func (c *URLClient) BuildPayURL(req PayURLRequest) (string, error) {
	if c == nil {
		return "", fmt.Errorf("gateway: client not configured")
	}
	if strings.TrimSpace(req.TxnRef) == "" {
		return "", fmt.Errorf("gateway: txn ref required")
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("gateway: amount must be positive")
	}
	values := url.Values{}
	values.Set("pay_Version", "2.1.0")
	values.Set("pay_Command", "pay")
	values.Set("pay_TmnCode", c.merchantID)
	values.Set(paramTxnRef, req.TxnRef)
	values.Set(paramAmount, strconv.FormatInt(req.Amount, 10))
	values.Set("pay_OrderInfo", req.OrderInfo)
	values.Set("pay_IpAddr", req.ClientIP)
	values.Set("pay_CreateDate", req.CreatedAt.Format("20060102150405"))
	if c.returnURL != "" {
		values.Set("pay_ReturnUrl", c.returnURL)
	}
	values.Set(paramSecureHash, Sign(values, c.secret))
	return c.baseURL + "?" + values.Encode(), nil
}
