// Package crm talks to the Bitrix24 REST interface through an inbound
// webhook URL.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ClientOptions struct {
	WebhookURL string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	webhookURL string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// BatchResult holds per-key outcomes of one batch call.
type BatchResult struct {
	Results map[string]json.RawMessage
	Errors  map[string]*APIError
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

type batchPayload struct {
	Result      json.RawMessage `json:"result"`
	ResultError json.RawMessage `json:"result_error"`
}

func NewClient(opts ClientOptions) (*Client, error) {
	webhookURL := strings.TrimRight(strings.TrimSpace(opts.WebhookURL), "/")
	if webhookURL == "" {
		return nil, errors.New("crm webhook url is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (c *Client) GetDeal(ctx context.Context, dealID int64) (Record, error) {
	return c.getRecord(ctx, "crm.deal.get", dealID)
}

func (c *Client) GetContact(ctx context.Context, contactID int64) (Record, error) {
	return c.getRecord(ctx, "crm.contact.get", contactID)
}

func (c *Client) getRecord(ctx context.Context, method string, entityID int64) (Record, error) {
	raw, err := c.call(ctx, method, map[string]any{"id": entityID}, true)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %d", method, entityID)
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s %d", method, entityID)
	}
	if rec == nil {
		return nil, errors.Wrapf(ErrNotFound, "%s %d", method, entityID)
	}
	return rec, nil
}

// ListDeals runs crm.deal.list with an equality filter. Only the first page
// is read; track-number searches never come close to the page size.
func (c *Client) ListDeals(ctx context.Context, filter map[string]string, selectFields []string) ([]Record, error) {
	if len(selectFields) == 0 {
		selectFields = []string{"*", "UF_*"}
	}
	raw, err := c.call(ctx, "crm.deal.list", map[string]any{"filter": filter, "select": selectFields}, true)
	if err != nil {
		return nil, errors.Wrap(err, "crm.deal.list")
	}
	var records []Record
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.Wrap(err, "decode crm.deal.list")
		}
	}
	return records, nil
}

// FindDealsByTrackNumber lists every deal carrying the track number in field.
func (c *Client) FindDealsByTrackNumber(ctx context.Context, field, trackNumber string) ([]Record, error) {
	return c.ListDeals(ctx, map[string]string{field: trackNumber}, nil)
}

// Batch sends the operations as one batch.json call without retrying; the
// dispatcher owns the retry policy for writes.
func (c *Client) Batch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	raw, err := c.call(ctx, "batch", map[string]any{"halt": 0, "cmd": orderedCommands(ops)}, false)
	if err != nil {
		return nil, err
	}
	var payload batchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "decode batch result")
	}
	results, err := decodeKeyed(payload.Result)
	if err != nil {
		return nil, errors.Wrap(err, "decode batch result")
	}
	rawErrors, err := decodeKeyed(payload.ResultError)
	if err != nil {
		return nil, errors.Wrap(err, "decode batch result_error")
	}
	out := &BatchResult{Results: results, Errors: map[string]*APIError{}}
	for key, rawErr := range rawErrors {
		var e envelope
		if err := json.Unmarshal(rawErr, &e); err != nil {
			out.Errors[key] = &APIError{Code: "UNKNOWN", Description: strings.TrimSpace(string(rawErr))}
			continue
		}
		out.Errors[key] = &APIError{Code: e.Error, Description: e.ErrorDescription}
	}
	return out, nil
}

// orderedCommands encodes the cmd object in operation order; the CRM runs
// batch commands in the order their keys appear.
type orderedCommands []Operation

func (o orderedCommands) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, op := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(op.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(op.Command.Encode())
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeKeyed accepts both an object and the empty array the vendor sends
// when a keyed collection is empty.
func decodeKeyed(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return out, nil
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		for i, item := range list {
			out[strconv.Itoa(i)] = item
		}
		return out, nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, retry bool) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("crm client is nil")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := c.webhookURL + "/" + method + ".json"
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var env envelope
		decodeErr := json.Unmarshal(respBody, &env)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 && decodeErr == nil && env.Error == "" {
			return env.Result, nil
		}
		apiErr := &APIError{Status: resp.StatusCode, Description: strings.TrimSpace(string(respBody))}
		// A missing entity comes back with an empty error code and only a description.
		if decodeErr == nil && (env.Error != "" || env.ErrorDescription != "") {
			apiErr.Code = env.Error
			apiErr.Description = env.ErrorDescription
		}
		return nil, apiErr
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
