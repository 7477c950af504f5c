package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultBaseURL is the mobile API of the receipt checking service
const DefaultBaseURL = "https://irkkt-mobile.nalog.ru:8888"

var (
	// ErrAuth means the session was rejected
	ErrAuth = errors.New("ticket service authentication failed")

	// ErrNotFound means the service does not know the receipt
	ErrNotFound = errors.New("ticket not found")

	// ErrTransient marks network failures and 5xx answers
	ErrTransient = errors.New("ticket service unavailable")
)

// Fetcher resolves a receipt fingerprint to its raw ticket record
type Fetcher interface {
	FetchTicket(ctx context.Context, fingerprint string) ([]byte, error)
}

// Config holds the credentials and tuning of the lookup client
type Config struct {
	BaseURL       string
	INN           string
	Password      string
	ClientSecret  string
	Timeout       time.Duration
	RetryInterval time.Duration
	MaxTries      uint
}

// Client implements Fetcher against the receipt checking mobile API
type Client struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a client. The session is established lazily on the
// first fetch.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}

	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type authRequest struct {
	INN          string `json:"inn"`
	Password     string `json:"password"`
	ClientSecret string `json:"client_secret"`
}

type authResponse struct {
	SessionID string `json:"sessionId"`
}

type ticketIDRequest struct {
	QR string `json:"qr"`
}

type ticketIDResponse struct {
	ID string `json:"id"`
}

// FetchTicket returns the raw ticket JSON. Transient failures are retried
// with exponential backoff; an expired session is refreshed once.
func (c *Client) FetchTicket(ctx context.Context, fingerprint string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval

	return backoff.Retry(ctx, func() ([]byte, error) {
		data, err := c.fetchWithSession(ctx, fingerprint)
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxTries))
}

func (c *Client) fetchWithSession(ctx context.Context, fingerprint string) ([]byte, error) {
	session, err := c.session(ctx, false)
	if err != nil {
		return nil, err
	}

	data, err := c.fetch(ctx, session, fingerprint)
	if !errors.Is(err, ErrAuth) {
		return data, err
	}

	slog.Info("Ticket session expired, re-authenticating")
	session, err = c.session(ctx, true)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, session, fingerprint)
}

func (c *Client) fetch(ctx context.Context, session, fingerprint string) ([]byte, error) {
	var idResp ticketIDResponse
	body, err := c.do(ctx, http.MethodPost, "/v2/ticket", session, ticketIDRequest{QR: fingerprint})
	if err != nil {
		return nil, fmt.Errorf("resolving ticket id: %w", err)
	}
	if err := json.Unmarshal(body, &idResp); err != nil {
		return nil, fmt.Errorf("decoding ticket id: %w", err)
	}
	if idResp.ID == "" {
		return nil, fmt.Errorf("resolving ticket id: %w", ErrNotFound)
	}

	data, err := c.do(ctx, http.MethodGet, "/v2/tickets/"+idResp.ID, session, nil)
	if err != nil {
		return nil, fmt.Errorf("getting ticket %s: %w", idResp.ID, err)
	}
	return data, nil
}

// session returns the cached session id, logging in when there is none or
// when refresh is set
func (c *Client) session(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" && !refresh {
		return c.sessionID, nil
	}

	body, err := c.do(ctx, http.MethodPost, "/v2/mobile/users/lkfl/auth", "", authRequest{
		INN:          c.cfg.INN,
		Password:     c.cfg.Password,
		ClientSecret: c.cfg.ClientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("logging in: %w", ErrAuth)
	}

	c.sessionID = resp.SessionID
	return c.sessionID, nil
}

func (c *Client) do(ctx context.Context, method, path, session string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setDeviceHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.Header.Set("sessionId", session)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (status %d)", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w (status %d)", ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w (status %d): %s", ErrTransient, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("ticket API error (status %d): %s", resp.StatusCode, string(body))
	}
}

func setDeviceHeaders(req *http.Request) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Device-OS", "iOS")
	req.Header.Set("Device-Id", "receipt-ledger")
	req.Header.Set("clientVersion", "2.9.0")
	req.Header.Set("Accept-Language", "ru-RU;q=1, en-US;q=0.9")
	req.Header.Set("User-Agent", "billchecker/2.9.0 (iPhone; iOS 13.6; Scale/2.00)")
}
