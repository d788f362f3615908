// Package proxmox talks to the Proxmox VE HTTP API on behalf of the
// watchdog: power state, QEMU guest-agent ping and file exchange, reset.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"guest-watchdog/internal/hypervisor"
	"guest-watchdog/internal/model"
)

const (
	apiPrefix      = "/api2/json"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

type Options struct {
	// BaseURL is the scheme and host of the API, e.g. https://pve:8006.
	BaseURL  string
	User     string
	Password string

	// TokenID (user@realm!name) and TokenSecret select API-token auth,
	// which skips the ticket flow entirely.
	TokenID     string
	TokenSecret string

	AllowInvalidCert bool

	// RateLimit caps requests per second across all machines. Zero means
	// unlimited.
	RateLimit float64

	HTTPClient *http.Client
	Retry      hypervisor.Policy
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client is safe for concurrent use by many monitors.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	retry   hypervisor.Policy
	logger  *slog.Logger

	apiToken string
	tickets  *ticketCache
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse proxmox url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("proxmox url %q must include scheme and host", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxmox")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.AllowInvalidCert {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec
		}
		httpClient = &http.Client{Transport: transport, Timeout: defaultTimeout}
	}

	retry := opts.Retry
	if retry.Attempts == 0 {
		retry = hypervisor.DefaultPolicy
	}

	c := &Client{
		base:   base,
		http:   httpClient,
		retry:  retry,
		logger: logger,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	if opts.TokenID != "" {
		c.apiToken = fmt.Sprintf("PVEAPIToken=%s=%s", opts.TokenID, opts.TokenSecret)
		return c, nil
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	user, password := opts.User, opts.Password
	c.tickets = &ticketCache{
		now:    now,
		logger: logger,
		login: func(ctx context.Context) (string, string, error) {
			return c.login(ctx, user, password)
		},
		probe: c.probe,
	}
	return c, nil
}

func (c *Client) IsRunning(ctx context.Context, m model.Machine) (bool, error) {
	var out struct {
		Status *string `json:"status"`
	}
	err := c.call(ctx, "status", http.MethodGet, machinePath(m, "status/current"), nil, nil, &out)
	if err != nil {
		return false, err
	}
	if out.Status == nil {
		return false, &hypervisor.MalformedResponseError{Op: "status", Err: errors.New("missing data.status")}
	}
	return *out.Status == "running", nil
}

func (c *Client) PingGuestAgent(ctx context.Context, m model.Machine) error {
	return c.call(ctx, "ping", http.MethodPost, machinePath(m, "agent/ping"), nil, nil, nil)
}

type fileWriteRequest struct {
	File    string `json:"file"`
	Content string `json:"content"`
	Encode  bool   `json:"encode"`
}

// WriteGuestFile base64-encodes content itself and sends encode=false, so
// arbitrary bytes survive the JSON body.
func (c *Client) WriteGuestFile(ctx context.Context, m model.Machine, path string, content []byte) error {
	body := fileWriteRequest{
		File:    path,
		Content: base64.StdEncoding.EncodeToString(content),
	}
	return c.call(ctx, "file_write", http.MethodPost, machinePath(m, "agent/file-write"), nil, body, nil)
}

func (c *Client) ReadGuestFile(ctx context.Context, m model.Machine, path string) (string, error) {
	var out struct {
		Content *string `json:"content"`
	}
	q := url.Values{"file": []string{path}}
	if err := c.call(ctx, "file_read", http.MethodGet, machinePath(m, "agent/file-read"), q, nil, &out); err != nil {
		return "", err
	}
	if out.Content == nil {
		return "", &hypervisor.MalformedResponseError{Op: "file_read", Err: errors.New("missing data.content")}
	}
	return *out.Content, nil
}

func (c *Client) Reset(ctx context.Context, m model.Machine) error {
	return c.call(ctx, "reset", http.MethodPost, machinePath(m, "status/reset"), nil, nil, nil)
}

// Healthy checks that the API answers with the configured credentials.
func (c *Client) Healthy(ctx context.Context) error {
	return c.call(ctx, "version", http.MethodGet, "/version", nil, nil, nil)
}

func machinePath(m model.Machine, suffix string) string {
	return fmt.Sprintf("/nodes/%s/qemu/%s/%s", url.PathEscape(m.Node), url.PathEscape(m.VMID), suffix)
}

// call runs one authenticated request under the retry policy and decodes
// the "data" member of the response into out when out is non-nil.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	_, err := hypervisor.Retry(ctx, c.retry, c.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.authedRequest(ctx, op, method, path, query, body, out)
	})
	return err
}

func (c *Client) authedRequest(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, op, method, path, query, body)
	if err != nil {
		return err
	}

	if c.apiToken != "" {
		req.Header.Set("Authorization", c.apiToken)
	} else {
		ticket, csrf, err := c.tickets.get(ctx)
		if err != nil {
			return err
		}
		setTicket(req, ticket, csrf)
	}

	err = c.send(req, op, out)
	var se *hypervisor.StatusError
	if c.tickets != nil && errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		c.tickets.invalidate()
	}
	return err
}

func setTicket(req *http.Request, ticket, csrf string) {
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket})
	if csrf != "" {
		req.Header.Set("CSRFPreventionToken", csrf)
	}
}

func (c *Client) newRequest(ctx context.Context, op, method, path string, query url.Values, body any) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit: %w", op, err)
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request, op string, out any) error {
	c.logger.Debug("proxmox request", "op", op, "method", req.Method, "path", req.URL.Path)

	resp, err := c.http.Do(req)
	if err != nil {
		return &hypervisor.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
		}
		return &hypervisor.StatusError{Op: op, Code: resp.StatusCode, Message: text}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &hypervisor.MalformedResponseError{Op: op, Err: err}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &hypervisor.MalformedResponseError{Op: op, Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &hypervisor.MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

type loginResponse struct {
	Ticket *string `json:"ticket"`
	CSRF   *string `json:"CSRFPreventionToken"`
}

func (c *Client) login(ctx context.Context, user, password string) (string, string, error) {
	body := map[string]string{"username": user, "password": password}
	req, err := c.newRequest(ctx, "login", http.MethodPost, "/access/ticket", nil, body)
	if err != nil {
		return "", "", err
	}
	var out loginResponse
	if err := c.send(req, "login", &out); err != nil {
		return "", "", err
	}
	if out.Ticket == nil || out.CSRF == nil {
		return "", "", &hypervisor.MalformedResponseError{Op: "login", Err: errors.New("missing ticket or CSRFPreventionToken")}
	}
	return *out.Ticket, *out.CSRF, nil
}

func (c *Client) probe(ctx context.Context, ticket, csrf string) error {
	req, err := c.newRequest(ctx, "probe", http.MethodGet, "/version", nil, nil)
	if err != nil {
		return err
	}
	setTicket(req, ticket, csrf)
	return c.send(req, "probe", nil)
}
