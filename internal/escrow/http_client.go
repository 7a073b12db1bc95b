package escrow

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

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/hmacauth"
	"pledgerails/internal/pledge"
)

// Header names shared by the HTTP API and its client.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderPrincipal      = "X-Pledge-Principal"
)

// PledgePage is one page of a pledge listing. Next is the AfterID of the
// following page, zero when this page is the last.
type PledgePage struct {
	Pledges []PledgeView `json:"pledges"`
	Next    pledge.ID    `json:"next,omitempty"`
}

// EventPage is one page of an event range query.
type EventPage struct {
	Handle string           `json:"handle"`
	Events []eventlog.Event `json:"events"`
	Next   uint64           `json:"next"`
}

// AccountView is a principal's balance in minor units and token notation.
type AccountView struct {
	Address common.Address `json:"address"`
	Balance uint64         `json:"balance"`
	Amount  string         `json:"amount"`
}

// FundResult reports an operator credit.
type FundResult struct {
	TxID    string      `json:"txId"`
	Account AccountView `json:"account"`
}

// ListOptions are the query parameters of the pledge listing.
type ListOptions struct {
	Creator *common.Address
	Status  pledge.Status
	AfterID pledge.ID
	Limit   int
}

// ErrorBody is the JSON error envelope of the HTTP API.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind      pledge.Kind `json:"kind"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// HTTPClientConfig configures HTTPClient. Token is a bearer JWT; without one
// the client identifies as Principal through the development header.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	Principal  common.Address
	HMACSecret string
	// MaxAttempts bounds retries of transport failures and 503s. POSTs carry
	// an idempotency key so a retry never applies twice.
	MaxAttempts int
	Backoff     time.Duration
	HTTPClient  *http.Client
}

// HTTPClient is the Client facade over the pledge HTTP API.
type HTTPClient struct {
	base        *url.URL
	token       string
	principal   common.Address
	hmacSecret  string
	maxAttempts int
	backoff     time.Duration
	http        *http.Client
	now         func() time.Time
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		base:        base,
		token:       cfg.Token,
		principal:   cfg.Principal,
		hmacSecret:  cfg.HMACSecret,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		http:        hc,
		now:         time.Now,
	}, nil
}

func (c *HTTPClient) CreatePledge(ctx context.Context, req CreatePledgeRequest) (TxResult, error) {
	var out TxResult
	err := c.do(ctx, "create_pledge", http.MethodPost, "/api/v1/pledges", nil, req, &out)
	return out, err
}

func (c *HTTPClient) MarkCompleted(ctx context.Context) (TxResult, error) {
	var out TxResult
	err := c.do(ctx, "mark_completed", http.MethodPost, "/api/v1/pledges/complete", nil, struct{}{}, &out)
	return out, err
}

func (c *HTTPClient) WithdrawOrBurn(ctx context.Context, subject common.Address) (TxResult, error) {
	var out TxResult
	err := c.do(ctx, "withdraw_or_burn", http.MethodPost, "/api/v1/pledges/"+subject.Hex()+"/settle", nil, struct{}{}, &out)
	return out, err
}

func (c *HTTPClient) GetPledge(ctx context.Context, addr common.Address) (PledgeView, error) {
	var out PledgeView
	err := c.do(ctx, "get_pledge", http.MethodGet, "/api/v1/pledges/"+addr.Hex(), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) GetPledgeByID(ctx context.Context, id pledge.ID) (PledgeView, error) {
	var out PledgeView
	err := c.do(ctx, "get_pledge_by_id", http.MethodGet, "/api/v1/pledges/id/"+id.String(), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ListPledges(ctx context.Context, opts ListOptions) (PledgePage, error) {
	q := url.Values{}
	if opts.Creator != nil {
		q.Set("creator", opts.Creator.Hex())
	}
	if opts.Status != 0 {
		q.Set("status", opts.Status.String())
	}
	if opts.AfterID != 0 {
		q.Set("after", opts.AfterID.String())
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out PledgePage
	err := c.do(ctx, "list_pledges", http.MethodGet, "/api/v1/pledges", q, nil, &out)
	return out, err
}

func (c *HTTPClient) Events(ctx context.Context, handle string, offset uint64, limit int) (EventPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatUint(offset, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventPage
	err := c.do(ctx, "events", http.MethodGet, "/api/v1/events/"+url.PathEscape(handle), q, nil, &out)
	return out, err
}

func (c *HTTPClient) Balance(ctx context.Context, addr common.Address) (AccountView, error) {
	var out AccountView
	err := c.do(ctx, "balance", http.MethodGet, "/api/v1/accounts/"+addr.Hex(), nil, nil, &out)
	return out, err
}

// Fund is an operator call; it requires the HMAC secret.
func (c *HTTPClient) Fund(ctx context.Context, addr common.Address, amount uint64) (FundResult, error) {
	if c.hmacSecret == "" {
		return FundResult{}, errors.New("fund: hmac secret not configured")
	}
	var out FundResult
	body := struct {
		Amount uint64 `json:"amount"`
	}{amount}
	err := c.do(ctx, "fund", http.MethodPost, "/api/v1/accounts/"+addr.Hex()+"/fund", nil, body, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}
	idemKey := ""
	if method == http.MethodPost {
		idemKey = uuid.NewString()
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retry, err := c.attempt(ctx, op, method, path, query, payload, idemKey, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &TransportError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (c *HTTPClient) attempt(ctx context.Context, op, method, path string, query url.Values, payload []byte, idemKey string, out any) (bool, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return false, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.principal != (common.Address{}):
		req.Header.Set(HeaderPrincipal, c.principal.Hex())
	}
	if c.hmacSecret != "" {
		hmacauth.SignRequest(req, c.hmacSecret, payload, c.now())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, raw)
		retry := resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests
		return retry, fmt.Errorf("%s: %w", op, apiErr)
	}
	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return false, nil
}

// decodeError turns an API error body back into a *pledge.Error so callers
// can match it with errors.Is against the sentinels.
func decodeError(status int, raw []byte) error {
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Code != "" {
		kind := body.Error.Kind
		if sentinel, ok := pledge.Lookup(body.Error.Code); ok {
			kind = sentinel.Kind
		}
		return &pledge.Error{Kind: kind, Code: body.Error.Code, Message: body.Error.Message}
	}
	msg := strings.TrimSpace(string(raw))
	switch {
	case status == http.StatusNotFound:
		return &pledge.Error{Kind: pledge.KindNotFound, Code: pledge.ErrNotFound.Code, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &pledge.Error{Kind: pledge.KindPrecondition, Code: pledge.ErrUnauthorized.Code, Message: msg}
	case status >= 500:
		return &pledge.Error{Kind: pledge.KindSystem, Code: pledge.ErrStoreUnavailable.Code, Message: msg}
	default:
		return &pledge.Error{Kind: pledge.KindValidation, Code: "HTTP" + strconv.Itoa(status), Message: msg}
	}
}
