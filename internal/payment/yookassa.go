package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type Client struct {
	ShopID     string
	SecretKey  string
	APIURL     string
	ReturnURL  string
	HTTPClient *http.Client
}

func NewClient(shopID, secretKey, returnURL string) *Client {
	return &Client{
		ShopID:    shopID,
		SecretKey: secretKey,
		APIURL:    "https://api.yookassa.ru/v3",
		ReturnURL: returnURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateTopup opens a payment for gram GRAM and returns the confirmation URL
// the user completes it at. The user id travels in metadata and comes back in
// the webhook.
func (c *Client) CreateTopup(ctx context.Context, telegramID int64, gram int64) (string, error) {
	reqBody := CreatePaymentRequest{
		Amount: Amount{
			Value:    fmt.Sprintf("%d.00", gram),
			Currency: "RUB",
		},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: c.ReturnURL,
		},
		Description: fmt.Sprintf("Пополнение баланса PR GRAM: %d GRAM", gram),
		Metadata: map[string]string{
			"telegram_id": fmt.Sprintf("%d", telegramID),
			"gram":        fmt.Sprintf("%d", gram),
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/payments", c.APIURL), bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Idempotence-Key", uuid.New().String())
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ShopID, c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode)
	}

	var paymentResponse PaymentResponse
	if err := json.Unmarshal(respBody, &paymentResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return paymentResponse.Confirmation.ConfirmationURL, nil
}
