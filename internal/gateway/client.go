// Package gateway speaks the settlement protocol from the gateway's
// side of the wire. The server never calls out to the real gateway;
// this client exists so the simulator and tests can drive the endpoint
// the way the gateway does, retries and duplicates included.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

type Client struct {
	endpoint    string
	merchantKey string
	httpClient  *http.Client
	nextID      atomic.Int64
}

func NewClient(endpoint, merchantKey string) *Client {
	return &Client{
		endpoint:    endpoint,
		merchantKey: merchantKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Snapshot mirrors the transaction payload the server returns.
type Snapshot struct {
	Transaction string            `json:"transaction"`
	Account     map[string]string `json:"account"`
	CreateTime  int64             `json:"create_time"`
	PerformTime int64             `json:"perform_time"`
	CancelTime  int64             `json:"cancel_time"`
	Amount      int64             `json:"amount"`
	State       int               `json:"state"`
	Reason      *int              `json:"reason"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Call sends one method invocation and decodes the result into out.
// A protocol error comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization",
		"Basic "+base64.StdEncoding.EncodeToString([]byte("Paycom:"+c.merchantKey)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) CheckPerform(ctx context.Context, accountField, donationID string, amount int64) error {
	return c.Call(ctx, "CheckPerformTransaction", map[string]any{
		"account": map[string]string{accountField: donationID},
		"amount":  amount,
	}, nil)
}

func (c *Client) CreateTransaction(ctx context.Context, accountField, externalID, donationID string, amount int64) (*Snapshot, error) {
	var snap Snapshot
	err := c.Call(ctx, "CreateTransaction", map[string]any{
		"id":      externalID,
		"account": map[string]string{accountField: donationID},
		"amount":  amount,
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) PerformTransaction(ctx context.Context, externalID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.Call(ctx, "PerformTransaction", map[string]any{"id": externalID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) CancelTransaction(ctx context.Context, externalID string, reason int) (*Snapshot, error) {
	var snap Snapshot
	if err := c.Call(ctx, "CancelTransaction", map[string]any{"id": externalID, "reason": reason}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) CheckTransaction(ctx context.Context, externalID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.Call(ctx, "CheckTransaction", map[string]any{"id": externalID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

type Statement struct {
	Transactions []Snapshot `json:"transactions"`
}

func (c *Client) GetStatement(ctx context.Context, from, to int64) (*Statement, error) {
	var st Statement
	if err := c.Call(ctx, "GetStatement", map[string]any{"from": from, "to": to}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
