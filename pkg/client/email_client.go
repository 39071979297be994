package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrEmailDisabled is returned when no provider key is configured.
var ErrEmailDisabled = errors.New("email provider not configured")

type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// EmailClient sends transactional mail through the hosted provider's JSON API.
type EmailClient struct {
	baseURL string
	apiKey  string
	from    string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewEmailClient(baseURL, apiKey, from string, log logrus.FieldLogger) *EmailClient {
	return &EmailClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		http:    &http.Client{},
		cb:      newBreaker("EmailProvider", log),
		timeout: defaultTimeout,
	}
}

// Send returns the provider's message id.
func (c *EmailClient) Send(ctx context.Context, msg Email) (string, error) {
	if c.apiKey == "" {
		return "", ErrEmailDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.send(ctx, msg)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *EmailClient) send(ctx context.Context, msg Email) (string, error) {
	body, err := json.Marshal(struct {
		From string `json:"from"`
		Email
	}{From: c.from, Email: msg})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("email provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode email response: %w", err)
	}
	return out.ID, nil
}
