// Package payment предоставляет клиент платёжного шлюза: создание
// заказа на оплату и проверку подписей платежа и вебхука.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Credentials — реквизиты шлюза, прокидываемые мобильному клиенту
// как есть. Сервер их содержимое не интерпретирует.
type Credentials struct {
	KeyID     string `json:"keyId"`
	KeySecret string `json:"keySecret"`
	UPIID     string `json:"upiId"`
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	httpClient    *http.Client
}

// NewClient создаёт клиент шлюза с указанными реквизитами.
func NewClient(baseURL, keyID, keySecret, webhookSecret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		httpClient:    rc.StandardClient(),
	}
}

type createOrderRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

// CreateOrder создаёт заказ на оплату в шлюзе. Сумма передаётся в пайсах.
func (c *Client) CreateOrder(ctx context.Context, amountPaise int64, receipt string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("payment gateway not configured")
	}

	payload, err := json.Marshal(createOrderRequest{
		Amount:         amountPaise,
		Currency:       "INR",
		Receipt:        receipt,
		PaymentCapture: 1,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var result createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("gateway returned empty order id")
	}

	return result.ID, nil
}

// VerifyPaymentSignature проверяет подпись завершённого платежа:
// HMAC-SHA256 от "orderID|paymentID" на секретном ключе.
func (c *Client) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	expected := signHex([]byte(gatewayOrderID+"|"+paymentID), c.keySecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyWebhookSignature проверяет подпись тела вебхука. При пустом
// секрете проверка пропускается (тестовый режим шлюза).
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if c.webhookSecret == "" {
		return true
	}
	expected := signHex(body, c.webhookSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func signHex(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
