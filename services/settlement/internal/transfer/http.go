package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mxsafiri/nedapay-plus--sub001/libs/trace"
	"go.opentelemetry.io/otel/attribute"
)

const transfersPath = "/v1/transfers"

// HTTPClient posts transfers to the gateway as JSON. It never retries: a retried POST may move
// funds twice, so retries belong to the settlement retry queue.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type transferRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	TokenSymbol string `json:"token_symbol"`
	Amount      string `json:"amount"`
	Memo        string `json:"memo,omitempty"`
	Network     string `json:"network,omitempty"`
}

type transferResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	Network       string `json:"network"`
	Error         string `json:"error,omitempty"`
}

func (c *HTTPClient) Transfer(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := trace.Start(ctx, "transfer.http",
		attribute.String("transfer.network", req.Network),
		attribute.String("transfer.token", req.TokenSymbol),
	)
	defer func() { trace.End(span, err) }()

	body, err := json.Marshal(transferRequest{
		From:        req.From,
		To:          req.To,
		TokenSymbol: req.TokenSymbol,
		Amount:      req.Amount.String(),
		Memo:        req.Memo,
		Network:     req.Network,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transfersPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("transfer request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read transfer response: %w", err)
	}

	var decoded transferResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return Result{}, fmt.Errorf("decode transfer response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Result{Success: false, Error: fmt.Sprintf("gateway status %d: %s", resp.StatusCode, msg)}, nil
	}
	if decoded.Success && decoded.TransactionID == "" {
		return Result{}, fmt.Errorf("gateway reported success without transaction id")
	}

	network := decoded.Network
	if network == "" {
		network = req.Network
	}
	return Result{
		Success:       decoded.Success,
		TransactionID: decoded.TransactionID,
		NetworkUsed:   network,
		Error:         decoded.Error,
	}, nil
}

// WithTimeout bounds every transfer. A deadline hit becomes a failed Result so it is retried like
// any other gateway failure.
func WithTimeout(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return ClientFunc(func(ctx context.Context, req Request) (Result, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			res Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := next.Transfer(ctx, req)
			done <- outcome{res, err}
		}()

		select {
		case out := <-done:
			if out.err != nil && ctx.Err() == context.DeadlineExceeded {
				return Result{Success: false, Error: fmt.Sprintf("transfer timed out after %s", timeout)}, nil
			}
			return out.res, out.err
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Result{Success: false, Error: fmt.Sprintf("transfer timed out after %s", timeout)}, nil
			}
			return Result{}, ctx.Err()
		}
	})
}
