package push

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
)

const (
	defaultBatchSize      = 100
	defaultRequestTimeout = 10 * time.Second

	// PriorityHigh asks the gateway to wake the device immediately.
	PriorityHigh = "high"
	// SoundDefault plays the platform default notification sound.
	SoundDefault = "default"

	// TicketStatusOK marks a message the gateway accepted.
	TicketStatusOK = "ok"
	// TicketStatusError marks a message the gateway rejected.
	TicketStatusError = "error"
)

// ErrGateway indicates the push gateway failed as a whole. The caller may
// retry the batch; per-token rejections are reported through tickets instead.
var ErrGateway = errors.New("push: gateway error")

// Logger defines the logging contract for gateway operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Message is one push notification addressed to a single device token.
type Message struct {
	To                 string         `json:"to"`
	Sound              string         `json:"sound,omitempty"`
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Data               map[string]any `json:"data,omitempty"`
	CategoryIdentifier string         `json:"categoryIdentifier,omitempty"`
	Priority           string         `json:"priority,omitempty"`
}

// Ticket is the gateway's per-message receipt.
type Ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

// OK reports whether the gateway accepted the message.
func (t Ticket) OK() bool {
	return t.Status == TicketStatusOK
}

// ErrorCode returns the machine readable rejection code, if any.
func (t Ticket) ErrorCode() string {
	if t.Details.Error != "" {
		return t.Details.Error
	}
	if t.Status == TicketStatusError {
		return "unknown"
	}
	return ""
}

// ClientConfig configures the gateway Client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	BatchSize   int
	Logger      Logger
}

// Client delivers push messages through an Expo compatible HTTP gateway.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	batchSize int
	logger    Logger
}

// NewClient constructs a gateway Client using the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("push: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Client{
		baseURL:   baseURL,
		token:     strings.TrimSpace(cfg.AccessToken),
		http:      httpClient,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// SendBatch delivers the messages in gateway-sized chunks and returns one
// ticket per message, in input order. A transport or non-2xx failure on any
// chunk aborts with ErrGateway so the caller can retry the whole event.
func (c *Client) SendBatch(ctx context.Context, messages []Message) ([]Ticket, error) {
	if c == nil {
		return nil, errors.New("push: client is nil")
	}
	if len(messages) == 0 {
		return nil, nil
	}

	tickets := make([]Ticket, 0, len(messages))
	for start := 0; start < len(messages); start += c.batchSize {
		end := start + c.batchSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk, err := c.send(ctx, messages[start:end])
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, chunk...)
	}
	return tickets, nil
}

func (c *Client) send(ctx context.Context, messages []Message) ([]Ticket, error) {
	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("push: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/push/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger(ctx, "push.gateway.http_error", map[string]any{
			"status": resp.StatusCode,
			"body":   truncate(string(body), 512),
		})
		return nil, fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}

	var envelope struct {
		Data   []Ticket `json:"data"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrGateway, envelope.Errors[0].Code, envelope.Errors[0].Message)
	}
	if len(envelope.Data) != len(messages) {
		return nil, fmt.Errorf("%w: expected %d tickets, got %d", ErrGateway, len(messages), len(envelope.Data))
	}
	return envelope.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
