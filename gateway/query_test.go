package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func queryReply(t *testing.T, fields map[string]string, secret string) []byte {
	t.Helper()
	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	fields[paramSecureHash] = Sign(values, []byte(secret))
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return body
}

func TestQueryTransaction(t *testing.T) {
	const secret = "query-secret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("pay_Command"); got != "querydr" {
			t.Errorf("unexpected command %q", got)
		}
		if err := Verify(r.PostForm, r.PostForm.Get(paramSecureHash), []byte(secret)); err != nil {
			t.Errorf("request signature: %v", err)
		}
		w.Write(queryReply(t, map[string]string{
			paramTxnRef:        r.PostForm.Get(paramTxnRef),
			paramResponseCode:  "00",
			paramTransactionNo: "14422574",
			paramAmount:        "9900000",
		}, secret))
	}))
	defer srv.Close()

	querier := NewHTTPQuerier(srv.URL, "MERCH01", secret)
	status, err := querier.QueryTransaction(context.Background(), "ORD20260901AB")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !status.Captured() {
		t.Fatal("expected captured transaction")
	}
	if status.TxnRef != "ORD20260901AB" || status.TransactionNo != "14422574" || status.Amount != 9900000 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestQueryTransactionRejectsForgedReply(t *testing.T) {
	const secret = "query-secret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(queryReply(t, map[string]string{
			paramTxnRef:       "ORD20260901AB",
			paramResponseCode: "00",
		}, "attacker-secret"))
	}))
	defer srv.Close()

	querier := NewHTTPQuerier(srv.URL, "MERCH01", secret)
	if _, err := querier.QueryTransaction(context.Background(), "ORD20260901AB"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestQueryTransactionPropagatesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "provider down", http.StatusBadGateway)
	}))
	defer srv.Close()

	querier := NewHTTPQuerier(srv.URL, "MERCH01", "query-secret")
	if _, err := querier.QueryTransaction(context.Background(), "ORD20260901AB"); err == nil {
		t.Fatal("expected error for non-200 reply")
	}
}

func TestQueryTransactionRequiresRef(t *testing.T) {
	querier := NewHTTPQuerier("https://pay.example.com/query", "MERCH01", "query-secret")
	if _, err := querier.QueryTransaction(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty txn ref")
	}
}
