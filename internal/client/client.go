// Package client talks to a running posyncd over its unix sockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/posync/internal/api"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/ledger"
	"github.com/matheus3301/posync/internal/model"
	intsync "github.com/matheus3301/posync/internal/sync"
)

// baseURL is a placeholder host; every request is dialed to the socket.
const baseURL = "http://posyncd"

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon: %s (%d)", e.Message, e.StatusCode)
}

// Is maps status codes back to the shared sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == errs.ErrNotFound
	case http.StatusConflict:
		return target == errs.ErrConflict || target == errs.ErrAlreadyExists
	case http.StatusUnauthorized:
		return target == errs.ErrUnauthorized
	}
	return false
}

// Client wraps the HTTP API and the gRPC health connection of one daemon.
type Client struct {
	http   *http.Client
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// New prepares clients for the daemon's API and health sockets. Nothing is
// dialed until the first call.
func New(socketPath, healthSocketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+healthSocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return c.conn.Close()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Sync runs the connection sequence and waits for its result. A failed run
// returns its result inside the error message.
func (c *Client) Sync(ctx context.Context) (intsync.Result, error) {
	var out intsync.Result
	err := c.do(ctx, http.MethodPost, "/api/sync", nil, &out)
	return out, err
}

// Conversations lists conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]api.ConversationView, error) {
	var out []api.ConversationView
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out)
	return out, err
}

// Messages returns up to limit of the newest messages of channel.
func (c *Client) Messages(ctx context.Context, channel string, limit int) ([]api.MessageView, error) {
	path := "/api/conversations/" + url.PathEscape(channel) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []api.MessageView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Send queues content on channel.
func (c *Client) Send(ctx context.Context, channel, content string) (api.MessageView, error) {
	var out api.MessageView
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(channel)+"/messages",
		api.SendRequest{Content: content}, &out)
	return out, err
}

// MarkRead sends read receipts for channel and returns how many were sent.
func (c *Client) MarkRead(ctx context.Context, channel string) (int, error) {
	var out map[string]int
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(channel)+"/read", nil, &out)
	return out["marked"], err
}

// CreateCustomer registers a customer.
func (c *Client) CreateCustomer(ctx context.Context, name, mobile string) (*model.Customer, error) {
	var out model.Customer
	if err := c.do(ctx, http.MethodPost, "/api/customers", api.CustomerRequest{Name: name, Mobile: mobile}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Customer returns a customer and its open credits.
func (c *Client) Customer(ctx context.Context, id string) (api.CustomerResponse, error) {
	var out api.CustomerResponse
	err := c.do(ctx, http.MethodGet, "/api/customers/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Pay records a payment from a customer.
func (c *Client) Pay(ctx context.Context, customer string, amount decimal.Decimal, method, note string) ([]ledger.Allocation, error) {
	var out []ledger.Allocation
	err := c.do(ctx, http.MethodPost, "/api/customers/"+url.PathEscape(customer)+"/payments",
		api.PaymentRequest{Amount: amount, Method: method, Note: note}, &out)
	return out, err
}

// CreateReceipt records a sale.
func (c *Client) CreateReceipt(ctx context.Context, sale ledger.Sale) (*model.Receipt, error) {
	var out model.Receipt
	if err := c.do(ctx, http.MethodPost, "/api/receipts", sale, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelReceipt cancels a receipt.
func (c *Client) CancelReceipt(ctx context.Context, id, reason string) (*model.Receipt, error) {
	var out model.Receipt
	if err := c.do(ctx, http.MethodPost, "/api/receipts/"+url.PathEscape(id)+"/cancel",
		api.CancelRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
