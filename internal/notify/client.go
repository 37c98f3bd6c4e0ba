// Package notify предоставляет клиент для шлюза текстовых уведомлений.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие со шлюзом уведомлений.
// Доставка уведомлений — побочный эффект: ошибки шлюза логируются
// вызывающей стороной и не влияют на исход доменной операции.
type Client struct {
	baseURL     string
	apiKey      string
	countryCode string
	httpClient  *http.Client
}

type message struct {
	Target      string `json:"target"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
}

// NewClient создаёт клиент шлюза уведомлений по указанному адресу.
// Временные сбои шлюза ретраятся на уровне транспорта.
func NewClient(baseURL, apiKey, countryCode string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		countryCode: countryCode,
		httpClient:  rc.StandardClient(),
	}
}

// Send отправляет текстовое сообщение на указанный номер телефона.
func (c *Client) Send(ctx context.Context, phone, text string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}
	if phone == "" {
		return fmt.Errorf("empty phone number")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(message{
		Target:      c.normalizePhone(phone),
		Message:     text,
		CountryCode: c.countryCode,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// normalizePhone приводит номер к международному виду, принятому шлюзом:
// нецифровые символы отбрасываются, ведущий ноль заменяется кодом страны,
// номер без кода страны получает его префиксом.
func (c *Client) normalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	normalized := digits.String()
	switch {
	case normalized == "":
		return normalized
	case strings.HasPrefix(normalized, "0"):
		return c.countryCode + normalized[1:]
	case !strings.HasPrefix(normalized, c.countryCode):
		return c.countryCode + normalized
	default:
		return normalized
	}
}
