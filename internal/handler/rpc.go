package handler

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"donation-gateway/internal/domain"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// transactionSnapshot is the wire shape of a transaction, shared by
// every method that returns one. Times are Unix milliseconds, zero
// until the transition happened.
type transactionSnapshot struct {
	Transaction string            `json:"transaction"`
	Account     map[string]string `json:"account"`
	CreateTime  int64             `json:"create_time"`
	PerformTime int64             `json:"perform_time"`
	CancelTime  int64             `json:"cancel_time"`
	Amount      int64             `json:"amount"`
	State       int               `json:"state"`
	Reason      *int              `json:"reason"`
}

func (h *Handler) snapshot(t *domain.Transaction) transactionSnapshot {
	return transactionSnapshot{
		Transaction: t.ExternalID,
		Account:     map[string]string{h.accountField: t.DonationID},
		CreateTime:  unixMilli(t.CreateTime),
		PerformTime: unixMilli(t.PerformTime),
		CancelTime:  unixMilli(t.CancelTime),
		Amount:      t.Amount,
		State:       int(t.State),
		Reason:      t.Reason,
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// RPC is the single gateway endpoint. Protocol failures, including
// internal faults, are always delivered inside the envelope with
// HTTP 200; transport-level errors would only make the gateway retry
// blindly.
func (h *Handler) RPC(c *gin.Context) {
	var req rpcRequest

	defer func() {
		if r := recover(); r != nil {
			log.Printf("rpc panic: %v", r)
			c.JSON(http.StatusOK, errorResponse(req.ID, &rpcError{Code: domain.CodeInternal, Message: "internal error"}))
		}
	}()

	if !h.authorized(c) {
		c.JSON(http.StatusOK, errorResponse(nil, &rpcError{Code: domain.CodeUnauthorized, Message: "unauthorized"}))
		return
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(req.ID, &rpcError{Code: domain.CodeParseError, Message: "parse error"}))
		return
	}

	result, err := h.dispatch(c, &req)
	if err != nil {
		if pe, ok := domain.AsError(err); ok {
			c.JSON(http.StatusOK, errorResponse(req.ID, &rpcError{Code: pe.Code, Message: pe.Message, Data: pe.Data}))
			return
		}
		log.Printf("rpc %s failed: %v", req.Method, err)
		c.JSON(http.StatusOK, errorResponse(req.ID, &rpcError{Code: domain.CodeInternal, Message: "internal error"}))
		return
	}
	c.JSON(http.StatusOK, rpcResponse{ID: req.ID, Result: result})
}

func errorResponse(id json.RawMessage, e *rpcError) rpcResponse {
	return rpcResponse{ID: id, Error: e}
}

// authorized checks the gateway's Basic credential. The rest of the
// handler only consumes the boolean.
func (h *Handler) authorized(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	expected := "Paycom:" + h.merchantKey
	return subtle.ConstantTimeCompare(decoded, []byte(expected)) == 1
}

type checkPerformParams struct {
	Amount  int64                      `json:"amount"`
	Account map[string]json.RawMessage `json:"account"`
}

type createParams struct {
	ID      string                     `json:"id"`
	Amount  int64                      `json:"amount"`
	Account map[string]json.RawMessage `json:"account"`
}

type idParams struct {
	ID string `json:"id"`
}

type cancelParams struct {
	ID     string `json:"id"`
	Reason int    `json:"reason"`
}

type statementParams struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (h *Handler) dispatch(c *gin.Context, req *rpcRequest) (any, error) {
	ctx := c.Request.Context()

	switch req.Method {
	case "CheckPerformTransaction":
		var p checkPerformParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, domain.ErrInvalidAccount()
		}
		donationID, ok := h.accountID(p.Account)
		if !ok {
			return nil, domain.ErrInvalidAccount()
		}
		if err := h.merchant.CheckPerformTransaction(ctx, donationID, p.Amount); err != nil {
			return nil, err
		}
		return gin.H{"allow": true}, nil

	case "CreateTransaction":
		var p createParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, domain.ErrInvalidAccount()
		}
		donationID, ok := h.accountID(p.Account)
		if !ok {
			return nil, domain.ErrInvalidAccount()
		}
		txn, err := h.merchant.CreateTransaction(ctx, p.ID, donationID, p.Amount)
		if err != nil {
			return nil, err
		}
		return h.snapshot(txn), nil

	case "PerformTransaction":
		var p idParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, domain.ErrTxNotFound()
		}
		txn, err := h.merchant.PerformTransaction(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return h.snapshot(txn), nil

	case "CancelTransaction":
		var p cancelParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, domain.ErrTxNotFound()
		}
		txn, err := h.merchant.CancelTransaction(ctx, p.ID, p.Reason)
		if err != nil {
			return nil, err
		}
		return h.snapshot(txn), nil

	case "CheckTransaction":
		var p idParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, domain.ErrTxNotFound()
		}
		txn, err := h.merchant.CheckTransaction(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return h.snapshot(txn), nil

	case "GetStatement":
		var p statementParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &domain.Error{Code: domain.CodeParseError, Message: "parse error"}
		}
		txns, err := h.merchant.GetStatement(ctx, time.UnixMilli(p.From), time.UnixMilli(p.To))
		if err != nil {
			return nil, err
		}
		snapshots := make([]transactionSnapshot, 0, len(txns))
		for i := range txns {
			snapshots = append(snapshots, h.snapshot(&txns[i]))
		}
		return gin.H{"transactions": snapshots}, nil

	default:
		return nil, &domain.Error{Code: domain.CodeMethodNotFound, Message: "method not found"}
	}
}

// accountID pulls the configured account field out of the wire map.
// Any other key, a missing key, or a non-string value is an invalid
// account at the boundary, before the core ever sees it.
func (h *Handler) accountID(account map[string]json.RawMessage) (string, bool) {
	raw, ok := account[h.accountField]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		// Some checkout integrations send numeric ids.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	if id == "" {
		return "", false
	}
	return id, true
}
