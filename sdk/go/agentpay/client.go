package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Permission mirrors the authorization scope attached to a session key.
// Amounts are decimal strings denominated in the smallest currency unit.
type Permission struct {
	AllowedActions  []string `json:"allowed_actions"`
	SpendingLimit   string   `json:"spending_limit"`
	SpendingUsed    string   `json:"spending_used,omitempty"`
	ExpiryTime      int64    `json:"expiry_time"`
	AutoRenew       bool     `json:"auto_renew,omitempty"`
	MaxRenewals     int      `json:"max_renewals,omitempty"`
	RenewalsUsed    int      `json:"renewals_used,omitempty"`
	AllowedChains   []string `json:"allowed_chains,omitempty"`
	AllowedTokens   []string `json:"allowed_tokens,omitempty"`
	MaxAmountPerTxn string   `json:"max_amount_per_transaction,omitempty"`
}

// SessionKeyRequest is the payload required to issue a new session key.
type SessionKeyRequest struct {
	WalletID           string     `json:"wallet_id"`
	UserID             string     `json:"user_id"`
	AgentID            string     `json:"agent_id,omitempty"`
	SignerAddress      string     `json:"signer_address"`
	SmartWalletAddress string     `json:"smart_wallet_address"`
	Permissions        Permission `json:"permissions"`
}

// SessionKey is the server side view of an issued session key.
type SessionKey struct {
	ID                 string     `json:"id"`
	WalletID           string     `json:"wallet_id"`
	UserID             string     `json:"user_id"`
	AgentID            string     `json:"agent_id,omitempty"`
	SignerAddress      string     `json:"signer_address"`
	SmartWalletAddress string     `json:"smart_wallet_address"`
	Status             string     `json:"status"`
	Permissions        Permission `json:"permissions"`
	CreatedAt          int64      `json:"created_at"`
	ExpiresAt          int64      `json:"expires_at"`
}

// ContractCall carries the raw contract invocation for swap/bridge style
// actions.
type ContractCall struct {
	ContractAddress      string `json:"contract_address"`
	ABIFunctionSignature string `json:"abi_function_signature"`
	ABIParameters        []any  `json:"abi_parameters"`
}

// ActionRequest describes a delegated execution request.
type ActionRequest struct {
	Action           string        `json:"action"`
	Amount           string        `json:"amount"`
	Destination      string        `json:"destination,omitempty"`
	TokenAddress     string        `json:"token_address,omitempty"`
	SourceChain      string        `json:"source_chain,omitempty"`
	DestinationChain string        `json:"destination_chain,omitempty"`
	ContractCall     *ContractCall `json:"contract_call,omitempty"`
}

// ExecuteRequest binds an action request to a session scope.
type ExecuteRequest struct {
	WalletID string        `json:"wallet_id"`
	UserID   string        `json:"user_id"`
	AgentID  string        `json:"agent_id,omitempty"`
	Request  ActionRequest `json:"request"`
}

// ExecutionOutcome reports where a delegated execution ended up.
type ExecutionOutcome struct {
	Kind          string `json:"kind"`
	SessionKeyID  string `json:"session_key_id,omitempty"`
	OperationHash string `json:"operation_hash,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Stage         string `json:"stage,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// IssueSessionKey creates a new session key.
func (c *Client) IssueSessionKey(ctx context.Context, req SessionKeyRequest) (SessionKey, error) {
	var key SessionKey
	if err := c.post(ctx, "/api/v1/sessions", req, &key); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

// GetSessionKey fetches a session key by identifier.
func (c *Client) GetSessionKey(ctx context.Context, id string) (SessionKey, error) {
	var key SessionKey
	if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(id), &key); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

// RevokeSessionKey revokes a session key. Revocation is terminal.
func (c *Client) RevokeSessionKey(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// RenewSessionKey consumes one renewal and extends the key's validity.
func (c *Client) RenewSessionKey(ctx context.Context, id string) (SessionKey, error) {
	var key SessionKey
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/renew", nil, &key); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

// SignTypedRequest binds an EIP-712 payload to a session scope. The typed
// data is passed through opaquely and validated server side.
type SignTypedRequest struct {
	WalletID  string          `json:"wallet_id"`
	UserID    string          `json:"user_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	TypedData json.RawMessage `json:"typed_data"`
}

// SignTypedResult carries the hex encoded signature and the signed digest.
type SignTypedResult struct {
	Signature string `json:"signature"`
	Digest    string `json:"digest"`
}

// SignTyped asks the server to sign an EIP-712 typed payload with the
// session's signing key.
func (c *Client) SignTyped(ctx context.Context, req SignTypedRequest) (SignTypedResult, error) {
	var result SignTypedResult
	if err := c.post(ctx, "/api/v1/sign-typed", req, &result); err != nil {
		return SignTypedResult{}, err
	}
	return result, nil
}

// Execute submits a delegated execution request and returns its outcome.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecutionOutcome, error) {
	var outcome ExecutionOutcome
	if err := c.post(ctx, "/api/v1/execute", req, &outcome); err != nil {
		return ExecutionOutcome{}, err
	}
	return outcome, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
