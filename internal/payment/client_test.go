package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/orders" {
			t.Fatalf("path = %s, want /v1/orders", r.URL.Path)
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != "key-id" || pass != "key-secret" {
			t.Fatalf("unexpected basic auth: %q %q", user, pass)
		}

		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Amount != 5000 || req.Currency != "INR" || req.Receipt == "" {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_ABC123"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key-id", "key-secret", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := client.CreateOrder(ctx, 5000, "receipt_1")
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if id != "order_ABC123" {
		t.Fatalf("order id = %q, want %q", id, "order_ABC123")
	}
}

func TestCreateOrder_GatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "key-id", "wrong", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.CreateOrder(ctx, 5000, "receipt_1"); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}

func TestVerifyPaymentSignature(t *testing.T) {
	client := NewClient("https://gateway.example", "key-id", "key-secret", "")

	valid := signHex([]byte("order_1|pay_1"), "key-secret")

	if !client.VerifyPaymentSignature("order_1", "pay_1", valid) {
		t.Fatalf("valid signature rejected")
	}
	if client.VerifyPaymentSignature("order_1", "pay_1", "deadbeef") {
		t.Fatalf("invalid signature accepted")
	}
	if client.VerifyPaymentSignature("order_2", "pay_1", valid) {
		t.Fatalf("signature for another order accepted")
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	client := NewClient("https://gateway.example", "key-id", "key-secret", "hook-secret")

	body := []byte(`{"event":"payment.captured"}`)
	valid := signHex(body, "hook-secret")

	if !client.VerifyWebhookSignature(body, valid) {
		t.Fatalf("valid webhook signature rejected")
	}
	if client.VerifyWebhookSignature(body, signHex(body, "other-secret")) {
		t.Fatalf("webhook signature with wrong secret accepted")
	}

	// Без настроенного секрета проверка пропускается.
	open := NewClient("https://gateway.example", "key-id", "key-secret", "")
	if !open.VerifyWebhookSignature(body, "anything") {
		t.Fatalf("unconfigured webhook secret must skip verification")
	}
}
