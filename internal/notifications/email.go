package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
)

// Email is one outbound message.
type Email struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailSender delivers a single message.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// NewSenderFromConfig returns an HTTP-backed sender when an endpoint is
// configured and a log-only sender otherwise (dev default).
func NewSenderFromConfig(cfg config.EmailConfig, logg *logger.Logger) EmailSender {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &logSender{logg: logg}
	}
	return &httpSender{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		from:     cfg.DefaultFrom,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type httpSender struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

func (s *httpSender) Send(ctx context.Context, email Email) error {
	if email.From == "" {
		email.From = s.from
	}
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("email delivery failed (%d): %s", res.StatusCode, string(payload))
	}
	return nil
}

type logSender struct {
	logg *logger.Logger
}

func (s *logSender) Send(ctx context.Context, email Email) error {
	if s.logg != nil {
		s.logg.Info(ctx, fmt.Sprintf("email to %s: %s", email.To, email.Subject))
	}
	return nil
}
