package client

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

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// PaymentIntent is what the storefront hands to the client-side payment form.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Mock         bool   `json:"mock,omitempty"`
}

// PaymentClient creates payment intents with the hosted payment provider.
// Without an API key it hands out mock intents so checkout still completes
// in local runs.
type PaymentClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewPaymentClient(baseURL, apiKey string, log logrus.FieldLogger) *PaymentClient {
	return &PaymentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		cb:      newBreaker("PaymentProvider", log),
		timeout: defaultTimeout,
	}
}

func (c *PaymentClient) CreateIntent(ctx context.Context, orderID string, amount int64, currency string) (*PaymentIntent, error) {
	if c.apiKey == "" {
		return &PaymentIntent{
			ID:           "pi_mock_" + orderID,
			ClientSecret: "pi_mock_" + orderID + "_secret_mock",
			Mock:         true,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.createIntent(ctx, orderID, amount, currency)
	})
	if err != nil {
		return nil, err
	}
	return res.(*PaymentIntent), nil
}

func (c *PaymentClient) createIntent(ctx context.Context, orderID string, amount int64, currency string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", currency)
	form.Set("metadata[order_id]", orderID)
	form.Set("automatic_payment_methods[enabled]", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", "order-"+orderID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("payment provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var intent PaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return &intent, nil
}
