package notify

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

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramOptions struct {
	Token      string
	APIURL     string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// TelegramNotifier sends messages through the Bot API sendMessage method.
type TelegramNotifier struct {
	endpoint   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendError is a non-retryable Bot API rejection, such as a chat that
// blocked the bot.
type SendError struct {
	Status      int
	Description string
}

func (e *SendError) Error() string {
	return "telegram sendMessage failed: status=" + strconv.Itoa(e.Status) + " message=" + e.Description
}

func NewTelegramNotifier(opts TelegramOptions) (*TelegramNotifier, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	apiURL := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
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
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &TelegramNotifier{
		endpoint:   apiURL + "/bot" + token + "/sendMessage",
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.ChatID == 0 {
		return errors.New("telegram message has no chat id")
	}
	body, err := json.Marshal(map[string]any{"chat_id": msg.ChatID, "text": msg.Text})
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			if attempt < n.maxRetries {
				if waitErr := sleepContext(ctx, n.retryDelay(attempt+1, 0)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return errors.Wrapf(err, "send to chat %d", msg.ChatID)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		var decoded telegramResponse
		_ = json.Unmarshal(respBody, &decoded)
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 && decoded.OK {
			return nil
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < n.maxRetries {
			if waitErr := sleepContext(ctx, n.retryDelay(attempt+1, decoded.Parameters.RetryAfter)); waitErr != nil {
				return waitErr
			}
			continue
		}
		description := decoded.Description
		if description == "" {
			description = strings.TrimSpace(string(respBody))
		}
		return &SendError{Status: resp.StatusCode, Description: description}
	}
}

func (n *TelegramNotifier) retryDelay(attempt int, retryAfterSeconds int) time.Duration {
	if retryAfterSeconds > 0 {
		delay := time.Duration(retryAfterSeconds) * time.Second
		if delay > n.maxDelay {
			return n.maxDelay
		}
		return delay
	}
	delay := n.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= n.maxDelay {
			return n.maxDelay
		}
	}
	return delay
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
