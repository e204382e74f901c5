// Package erp is a small client for the ERP agent API (pending tasks and
// invoices) plus the skills that render its answers.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"opsagent/internal/task/engine"
)

const apiSuffix = "/api/agent"

var (
	ErrNotConfigured = errors.New("erp url not configured")
	ErrUnauthorized  = errors.New("erp: unauthorized")
)

// APIError is a {"success": false} answer.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return "erp api error: " + e.Message }

// StatusError is a non-200 answer other than 401.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("erp: HTTP %d", e.Code) }

// Value is a JSON scalar kept as text; the API mixes strings and numbers
// for amounts.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
	default:
		*v = Value(b)
	}
	return nil
}

func (v Value) Or(def string) string {
	if v == "" {
		return def
	}
	return string(v)
}

type SubTask struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

type Task struct {
	Title    string    `json:"title"`
	Priority Value     `json:"priority"`
	SubTasks []SubTask `json:"sub_tasks,omitempty"`
}

type Invoice struct {
	InvoiceNo    string `json:"invoice_no"`
	CustomerName string `json:"customer_name"`
	DueAmount    Value  `json:"due_amount"`
	GrandTotal   Value  `json:"grand_total"`
	Status       string `json:"status"`
	Date         string `json:"date"`
}

type Summary struct {
	PendingCount   Value `json:"pending_invoices_count"`
	PendingAmount  Value `json:"total_pending_amount"`
	InvoicedAmount Value `json:"total_invoiced_amount"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Summary json.RawMessage `json:"summary"`
	Message string          `json:"message"`
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient normalizes baseURL to end in /api/agent. An empty baseURL
// yields a client whose calls return ErrNotConfigured.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.HasSuffix(base, apiSuffix) {
		base += apiSuffix
	}
	return &Client{base: base, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Configured() bool { return c.base != "" }

func (c *Client) get(ctx context.Context, path string, q url.Values) (envelope, error) {
	if c.base == "" {
		return envelope{}, ErrNotConfigured
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return envelope{}, engine.NoRetry(ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return envelope{}, engine.RetryAfter(&StatusError{Code: resp.StatusCode}, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return envelope{}, &StatusError{Code: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("erp: decode %s: %w", path, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return envelope{}, &APIError{Message: msg}
	}
	return env, nil
}

// retryAfter reads a Retry-After value in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(n)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

func decodeList[T any](env envelope) ([]T, error) {
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, fmt.Errorf("erp: decode data: %w", err)
	}
	return out, nil
}

func (c *Client) PendingTasks(ctx context.Context) ([]Task, error) {
	env, err := c.get(ctx, "/tasks/pending", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Task](env)
}

func (c *Client) DueInvoices(ctx context.Context) ([]Invoice, error) {
	env, err := c.get(ctx, "/invoices/due", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Invoice](env)
}

func (c *Client) InvoiceSummary(ctx context.Context) (Summary, error) {
	env, err := c.get(ctx, "/invoices/summary", nil)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	if len(env.Summary) > 0 {
		if err := json.Unmarshal(env.Summary, &s); err != nil {
			return Summary{}, fmt.Errorf("erp: decode summary: %w", err)
		}
	}
	return s, nil
}

func (c *Client) CustomerInvoices(ctx context.Context, customerID string) ([]Invoice, error) {
	env, err := c.get(ctx, "/customers/"+url.PathEscape(customerID)+"/invoices", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Invoice](env)
}

// SearchInvoices filters by customer name and/or id; empty filters are omitted.
func (c *Client) SearchInvoices(ctx context.Context, customerName, customerID string) ([]Invoice, error) {
	q := url.Values{}
	if customerName != "" {
		q.Set("customer_name", customerName)
	}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	env, err := c.get(ctx, "/invoices", q)
	if err != nil {
		return nil, err
	}
	return decodeList[Invoice](env)
}
