package gateway

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("gateway-shared-secret")

func signedCallback(t *testing.T) url.Values {
	t.Helper()
	params := CallbackParams{
		TxnRef:        "ORD-20260901-0001",
		ResponseCode:  "00",
		TransactionNo: "14422574",
		BankCode:      "NCB",
		CardType:      "ATM",
		Amount:        19900000,
		PayDate:       "20260901103000",
	}
	values := params.Values()
	values.Set("pay_SecureHash", Sign(values, testSecret))
	return values
}

func TestVerifyAcceptsSignedPayload(t *testing.T) {
	values := signedCallback(t)
	if err := Verify(values, values.Get("pay_SecureHash"), testSecret); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	values := signedCallback(t)
	values.Set("pay_Amount", "19900001")
	if err := Verify(values, values.Get("pay_SecureHash"), testSecret); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	values := signedCallback(t)
	sig := values.Get("pay_SecureHash")
	flipped := "0" + sig[1:]
	if flipped == sig {
		flipped = "1" + sig[1:]
	}
	if err := Verify(values, flipped, testSecret); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsMissingOrMalformedSignature(t *testing.T) {
	values := signedCallback(t)
	if err := Verify(values, "", testSecret); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for empty hash, got %v", err)
	}
	if err := Verify(values, "not-hex!", testSecret); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for malformed hash, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	values := signedCallback(t)
	if err := Verify(values, values.Get("pay_SecureHash"), []byte("other-secret")); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestSignatureExcludesHashFields(t *testing.T) {
	values := signedCallback(t)
	base := Sign(values, testSecret)
	values.Set("pay_SecureHashType", "HMACSHA512")
	if Sign(values, testSecret) != base {
		t.Fatal("signature fields must not feed the canonical string")
	}
}

func TestParseCallbackRoundTrip(t *testing.T) {
	values := signedCallback(t)
	params, err := ParseCallback(values)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.TxnRef != "ORD-20260901-0001" || params.Amount != 19900000 {
		t.Fatalf("unexpected params: %+v", params)
	}
	if !params.Success() {
		t.Fatal("response code 00 should report success")
	}
	if params.SecureHash == "" {
		t.Fatal("expected secure hash carried through")
	}
}

func TestParseCallbackRequiresTxnRef(t *testing.T) {
	values := url.Values{}
	values.Set("pay_ResponseCode", "00")
	if _, err := ParseCallback(values); err == nil {
		t.Fatal("expected error for missing txn ref")
	}
}

func TestBuildPayURLSignsRequest(t *testing.T) {
	client := NewURLClient("https://pay.example.com/checkout", "MERCH01", "https://app.example.com/return", string(testSecret))
	raw, err := client.BuildPayURL(PayURLRequest{
		TxnRef:    "ORD-1",
		Amount:    5000000,
		OrderInfo: "PLAN_BASIC",
		ClientIP:  "203.0.113.7",
		CreatedAt: time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("build pay url: %v", err)
	}
	if !strings.HasPrefix(raw, "https://pay.example.com/checkout?") {
		t.Fatalf("unexpected url: %s", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	query := parsed.Query()
	if err := Verify(query, query.Get("pay_SecureHash"), testSecret); err != nil {
		t.Fatalf("built url signature invalid: %v", err)
	}
}

func TestBuildPayURLValidation(t *testing.T) {
	client := NewURLClient("https://pay.example.com", "MERCH01", "", string(testSecret))
	if _, err := client.BuildPayURL(PayURLRequest{Amount: 100}); err == nil {
		t.Fatal("expected error for missing txn ref")
	}
	if _, err := client.BuildPayURL(PayURLRequest{TxnRef: "ORD-1"}); err == nil {
		t.Fatal("expected error for non-positive amount")
	}
}
