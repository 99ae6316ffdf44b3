// Package notification реализует отправку SMS-уведомлений о низком
// остатке товара через внешний SMS-шлюз.
package notification

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// SMSClient отправляет сообщения через HTTP API шлюза в стиле Twilio.
// Ненастроенный клиент молча пропускает отправку: отсутствие SMS не
// должно ломать основной поток оплаты.
type SMSClient struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	adminPhone string
	logger     *zap.Logger
	httpClient *http.Client
}

// NewSMSClient создаёт SMS-клиент. При пустых реквизитах возвращается
// клиент-заглушка, который только пишет в лог.
func NewSMSClient(baseURL, accountSID, authToken, fromNumber, adminPhone string, logger *zap.Logger) *SMSClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &SMSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		adminPhone: adminPhone,
		logger:     logger,
		httpClient: rc.StandardClient(),
	}
}

func (c *SMSClient) configured() bool {
	return c.baseURL != "" && c.accountSID != "" && c.authToken != "" && c.fromNumber != "" && c.adminPhone != ""
}

// SendLowStockSMS отправляет администратору уведомление о низком
// остатке товара.
func (c *SMSClient) SendLowStockSMS(ctx context.Context, productName string, quantity int) error {
	if !c.configured() {
		c.logger.Info("sms gateway not configured, notification skipped",
			zap.String("product", productName), zap.Int("quantity", quantity))
		return nil
	}

	body := fmt.Sprintf("LOW STOCK ALERT: %s has only %d unit(s) left. Please restock soon!", productName, quantity)

	form := url.Values{}
	form.Set("To", c.adminPhone)
	form.Set("From", c.fromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	c.logger.Info("low stock sms sent", zap.String("product", productName), zap.Int("quantity", quantity))
	return nil
}
