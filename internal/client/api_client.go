package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/pkg/types"
)

// ErrNoSigner is returned when an authenticated endpoint is called on a
// client that was built without a signer.
var ErrNoSigner = errors.New("no wallet configured: this operation requires a signed request")

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// ErrorKind returns the API error kind carried by err, or "" when err is not
// an *APIError.
func ErrorKind(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// APIClient talks to the stakeledger HTTP API. Mutating calls carry
// wallet-signed inline auth headers.
type APIClient struct {
	baseURL    string
	signer     Signer
	httpClient *http.Client
}

// NewAPIClient creates a client for baseURL. signer may be nil for read-only use.
func NewAPIClient(baseURL string, signer Signer) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the API base URL.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// send performs the request and returns the status code and raw body.
func (c *APIClient) send(ctx context.Context, method, path string, body interface{}, auth bool) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if auth {
		if c.signer == nil {
			return 0, nil, ErrNoSigner
		}
		addr, sig, msg, err := c.signer.SignAuth()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set(types.HeaderWalletAddress, addr)
		req.Header.Set(types.HeaderWalletSignature, sig)
		req.Header.Set(types.HeaderWalletMessage, msg)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// do performs a request and decodes a 2xx JSON response into out.
func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}, auth bool) error {
	status, respBody, err := c.send(ctx, method, path, body, auth)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeAPIError(status, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	var errResp types.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Kind = errResp.Kind
	}
	return apiErr
}

// Stake deposits amount from the signer's wallet into the ledger.
func (c *APIClient) Stake(ctx context.Context, amount *big.Int) ([]types.Event, error) {
	var resp types.OperationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stake", types.StakeRequest{Amount: amount.String()}, &resp, true); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Unstake withdraws the signer's stake once its lock has elapsed.
func (c *APIClient) Unstake(ctx context.Context) ([]types.Event, error) {
	var resp types.OperationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/unstake", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// LockTime returns the lock duration in effect.
func (c *APIClient) LockTime(ctx context.Context) (*types.LockTimeResponse, error) {
	var resp types.LockTimeResponse
	if err := c.do(ctx, http.MethodGet, "/v1/lock-time", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetLockTime changes the lock duration. Only the administrator may call it.
func (c *APIClient) SetLockTime(ctx context.Context, d time.Duration) ([]types.Event, error) {
	var resp types.OperationResponse
	if err := c.do(ctx, http.MethodPut, "/v1/lock-time", types.LockTimeRequest{Duration: d.String()}, &resp, true); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Settle resolves staker's pending transfer. Only the administrator may call it.
func (c *APIClient) Settle(ctx context.Context, staker common.Address, applied bool) ([]types.Event, error) {
	var resp types.OperationResponse
	req := types.SettleRequest{Staker: staker.Hex(), Applied: &applied}
	if err := c.do(ctx, http.MethodPost, "/v1/settle", req, &resp, true); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Stakes lists every active stake.
func (c *APIClient) Stakes(ctx context.Context) (*types.StakesResponse, error) {
	var resp types.StakesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stakes", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StakeOf returns the active stake of addr.
func (c *APIClient) StakeOf(ctx context.Context, addr common.Address) (*types.StakeInfo, error) {
	var resp types.StakeInfo
	if err := c.do(ctx, http.MethodGet, "/v1/stakes/"+addr.Hex(), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns ledger status.
func (c *APIClient) Status(ctx context.Context) (*types.StatusResponse, error) {
	var resp types.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve lets the ledger custody account pull amount from the signer (mock mode).
func (c *APIClient) Approve(ctx context.Context, amount *big.Int) (*types.ApprovalResponse, error) {
	var resp types.ApprovalResponse
	if err := c.do(ctx, http.MethodPost, "/v1/token/approve", types.StakeRequest{Amount: amount.String()}, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance returns the token balance of addr (mock mode).
func (c *APIClient) Balance(ctx context.Context, addr common.Address) (*types.BalanceResponse, error) {
	var resp types.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/token/balance/"+addr.Hex(), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Mint credits to with amount. Only the administrator may call it (mock mode).
func (c *APIClient) Mint(ctx context.Context, to common.Address, amount *big.Int) (*types.BalanceResponse, error) {
	var resp types.BalanceResponse
	req := types.MintRequest{To: to.Hex(), Amount: amount.String()}
	if err := c.do(ctx, http.MethodPost, "/v1/token/mint", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls /healthz.
func (c *APIClient) Health(ctx context.Context) (*types.HealthResponse, error) {
	var resp types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready calls /readyz. A not-ready server yields a response with
// Status "not_ready" and a nil error.
func (c *APIClient) Ready(ctx context.Context) (*types.HealthResponse, error) {
	status, body, err := c.send(ctx, http.MethodGet, "/readyz", nil, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, decodeAPIError(status, body)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}
