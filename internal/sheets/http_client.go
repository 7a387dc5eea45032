package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HTTPClientOptions struct {
	Token      string
	HTTPClient *http.Client
	// RequestsPerMinute throttles outgoing calls; zero disables throttling.
	RequestsPerMinute int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Logger            *zap.Logger
}

// HTTPClient speaks the action-dispatched spreadsheet proxy protocol: every
// call is a POST of {"action": ...} to a single endpoint.
type HTTPClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewHTTPClient(endpoint string, opts HTTPClientOptions) *HTTPClient {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8080/exec"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), max(1, opts.RequestsPerMinute/10))
	}
	return &HTTPClient{
		endpoint:   endpoint,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		limiter:    limiter,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
	}
}

type actionRequest struct {
	Action   string       `json:"action"`
	Range    string       `json:"range,omitempty"`
	Values   [][]string   `json:"values,omitempty"`
	Data     []ValueRange `json:"data,omitempty"`
	Requests []Request    `json:"requests,omitempty"`
}

type valuesResponse struct {
	Values [][]any `json:"values"`
}

type sheetNamesResponse struct {
	Sheets []SheetInfo `json:"sheets"`
}

func (c *HTTPClient) Get(ctx context.Context, rng string) ([][]string, error) {
	var out valuesResponse
	if err := c.do(ctx, actionRequest{Action: "get", Range: rng}, &out); err != nil {
		return nil, err
	}
	rows := make([][]string, len(out.Values))
	for i, row := range out.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = cellString(cell)
		}
		rows[i] = cells
	}
	return rows, nil
}

func (c *HTTPClient) Append(ctx context.Context, rng string, values [][]string) error {
	return c.do(ctx, actionRequest{Action: "append", Range: rng, Values: values}, nil)
}

func (c *HTTPClient) Update(ctx context.Context, rng string, values [][]string) error {
	return c.do(ctx, actionRequest{Action: "update", Range: rng, Values: values}, nil)
}

func (c *HTTPClient) BatchUpdate(ctx context.Context, data []ValueRange) error {
	if len(data) == 0 {
		return nil
	}
	return c.do(ctx, actionRequest{Action: "batchUpdate", Data: data}, nil)
}

func (c *HTTPClient) BatchUpdateSpreadsheet(ctx context.Context, requests []Request) error {
	if len(requests) == 0 {
		return nil
	}
	return c.do(ctx, actionRequest{Action: "batchUpdateSpreadsheet", Requests: requests}, nil)
}

func (c *HTTPClient) GetSheetNames(ctx context.Context) ([]SheetInfo, error) {
	var out sheetNamesResponse
	if err := c.do(ctx, actionRequest{Action: "getSheetNames"}, &out); err != nil {
		return nil, err
	}
	return out.Sheets, nil
}

func (c *HTTPClient) do(ctx context.Context, body actionRequest, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				c.logger.Debug("remote call failed, retrying",
					zap.String("action", body.Action), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := responseError(payloadBytes); err != nil {
				return err
			}
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			dec := json.NewDecoder(bytes.NewReader(payloadBytes))
			dec.UseNumber()
			return dec.Decode(out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			c.logger.Debug("remote call throttled, retrying",
				zap.String("action", body.Action), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// Script-hosted proxies answer 200 with {"error": "..."} instead of a status.
func responseError(payload []byte) error {
	var envelope struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error == nil {
		return nil
	}
	switch v := envelope.Error.(type) {
	case string:
		if v == "" {
			return nil
		}
		return &HTTPError{StatusCode: http.StatusOK, Message: v}
	case map[string]any:
		code, _ := v["code"].(string)
		msg, _ := v["message"].(string)
		return &HTTPError{StatusCode: http.StatusOK, Code: code, Message: msg}
	}
	return nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func correlationID() string {
	return "taxomap_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
