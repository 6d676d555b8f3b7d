package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultTimeout bounds a single webhook request.
const DefaultTimeout = 5 * time.Second

// Payload is the data block the webhook consumer reads.
type Payload struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
}

// Envelope is the fixed request body: {"body":{"data":{...}}}.
type Envelope struct {
	Body EnvelopeBody `json:"body"`
}

type EnvelopeBody struct {
	Data Payload `json:"data"`
}

// Client posts messages to a single webhook URL.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
	logger     glog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithTLSConfig installs tlsConf on a dedicated transport. A nil config is ignored.
func WithTLSConfig(tlsConf *tls.Config) ClientOption {
	return func(c *Client) {
		if tlsConf == nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConf
		c.httpClient = &http.Client{Transport: transport}
	}
}

func WithClientLogger(logger glog.Logger) ClientOption {
	return func(c *Client) { c.logger = glog.Ensure(logger) }
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient validates rawURL and returns a client for it.
func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("delivery: invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("delivery: webhook url must be absolute http(s), got %q", rawURL)
	}
	c := &Client{
		url:        u.String(),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		now:        time.Now,
		logger:     glog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the configured webhook address.
func (c *Client) URL() string {
	return c.url
}

// Send performs one POST attempt. Any 2xx response is success.
func (c *Client) Send(ctx context.Context, sender, body string) error {
	envelope := Envelope{Body: EnvelopeBody{Data: Payload{
		PhoneNumber: sender,
		Message:     body,
		Timestamp:   c.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}}}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("delivery: encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("posting webhook", "sender", sender, "bytes", len(data))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.logger.Info("message forwarded", "sender", sender, "status", resp.StatusCode)
	return nil
}
