package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	errs "github.com/0x3639/telegram-scraper/pkg/errors"
	"github.com/0x3639/telegram-scraper/pkg/logger"
)

// Client fetches channel history pages and attachments over the HTTP API
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	baseURL    string
	pageSize   int
	logger     logger.Logger
}

// NewClient creates a new Telegram API client
func NewClient(baseURL, token string, timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": "telegram-scraper/1.0",
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		headers:    headers,
		baseURL:    baseURL,
		pageSize:   DefaultPageLimit,
		logger:     log,
	}
}

// SetHeader sets a custom header for the client
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetPageSize overrides the number of messages requested per page
func (c *Client) SetPageSize(n int) {
	if n > 0 && n <= MaxPageLimit {
		c.pageSize = n
	}
}

// doRequest performs an HTTP request with the configured headers
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	c.logger.DebugWithFields("sending HTTP request", map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   req.Method,
			"url":      req.URL.String(),
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errs.New(errs.ErrorTypeNetwork, fmt.Sprintf("network error: %v", err), 0)
	}

	c.logger.DebugWithFields("HTTP request completed", map[string]interface{}{
		"method":   req.Method,
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": duration,
	})

	return resp, nil
}

// get performs a GET request to the specified URL
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeUnknown, fmt.Sprintf("failed to create request: %v", err), 0)
	}

	return c.doRequest(req)
}

// getJSON performs a GET request and decodes the JSON response
func (c *Client) getJSON(ctx context.Context, url string, target interface{}) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.New(errs.ErrorTypeNetwork, fmt.Sprintf("failed to read response body: %v", err), resp.StatusCode)
	}

	if err := json.Unmarshal(body, target); err != nil {
		bodyPreview := string(body)
		if len(bodyPreview) > 200 {
			bodyPreview = bodyPreview[:200] + "..."
		}

		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          url,
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": bodyPreview,
		})
		return errs.New(errs.ErrorTypeParsing, fmt.Sprintf("failed to parse JSON: %v", err), resp.StatusCode)
	}

	return nil
}

// checkResponseStatus maps the HTTP response status into the error taxonomy
func (c *Client) checkResponseStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.WarnWithFields("authentication error", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errs.New(errs.ErrorTypeAuth, "authentication required", resp.StatusCode)
	case http.StatusNotFound:
		c.logger.WarnWithFields("resource not found", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errs.New(errs.ErrorTypeNotFound, "resource not found", resp.StatusCode)
	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp)
		c.logger.WarnWithFields("rate limit exceeded", map[string]interface{}{
			"status":      resp.StatusCode,
			"url":         resp.Request.URL.String(),
			"retry_after": retryAfter,
		})
		return errs.NewRateLimit("rate limit exceeded", retryAfter)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.ErrorWithFields("server error", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errs.New(errs.ErrorTypeServerError, "server error", resp.StatusCode)
	default:
		if resp.StatusCode >= 400 {
			c.logger.ErrorWithFields("unexpected API error", map[string]interface{}{
				"status": resp.StatusCode,
				"url":    resp.Request.URL.String(),
			})
			return errs.New(errs.ErrorTypeUnknown, fmt.Sprintf("unexpected status code: %d", resp.StatusCode), resp.StatusCode)
		}
		return nil
	}
}

// parseRetryAfter reads the Retry-After header as a second count
func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// FetchPage fetches one page of channel history starting strictly after
// cursor. A zero cursor starts at the earliest message.
func (c *Client) FetchPage(ctx context.Context, channel string, cursor int64) (Page, error) {
	url := HistoryURL(c.baseURL, channel, cursor, c.pageSize)

	c.logger.DebugWithFields("fetching history page", map[string]interface{}{
		"channel":   channel,
		"offset_id": cursor,
	})

	var response historyResponse
	if err := c.getJSON(ctx, url, &response); err != nil {
		return Page{}, err
	}

	if !response.OK {
		return Page{}, errs.New(errs.ErrorTypeUnknown, fmt.Sprintf("API error: %s", response.Description), 0)
	}

	page := Page{
		Messages:   make([]Message, 0, len(response.Result.Messages)),
		NextCursor: response.Result.NextOffset,
		HasMore:    response.Result.HasMore,
	}
	for _, wm := range response.Result.Messages {
		page.Messages = append(page.Messages, wm.toMessage())
	}

	c.logger.DebugWithFields("history page fetched", map[string]interface{}{
		"channel":       channel,
		"message_count": len(page.Messages),
		"has_more":      page.HasMore,
	})

	return page, nil
}

// LatestCursor resolves the channel's live-edge cursor, used to start
// tail-mode ingestion without backfilling history
func (c *Client) LatestCursor(ctx context.Context, channel string) (int64, error) {
	var response historyResponse
	if err := c.getJSON(ctx, LatestURL(c.baseURL, channel), &response); err != nil {
		return 0, err
	}
	if !response.OK {
		return 0, errs.New(errs.ErrorTypeUnknown, fmt.Sprintf("API error: %s", response.Description), 0)
	}
	return response.Result.NextOffset, nil
}

// DownloadAttachment downloads an attachment by its locator
func (c *Client) DownloadAttachment(ctx context.Context, locator string) ([]byte, error) {
	url := FileURL(c.baseURL, locator)

	c.logger.DebugWithFields("downloading attachment", map[string]interface{}{
		"locator": locator,
	})

	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeNetwork, fmt.Sprintf("failed to download attachment: %v", err), 0)
	}

	c.logger.DebugWithFields("attachment downloaded", map[string]interface{}{
		"locator": locator,
		"size":    len(data),
	})

	return data, nil
}
