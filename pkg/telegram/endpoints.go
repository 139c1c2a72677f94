package telegram

import (
	"fmt"
	"net/url"
)

const (
	// DefaultBaseURL is the default API base URL
	DefaultBaseURL = "https://api.telegram.org"

	// HistoryEndpoint is the endpoint pattern for channel history pages
	HistoryEndpoint = "/channel/%s/history"

	// FileEndpoint is the endpoint pattern for attachment downloads
	FileEndpoint = "/file/%s"

	// DefaultPageLimit is the default number of messages fetched per page
	DefaultPageLimit = 100

	// MaxPageLimit is the largest page the API serves
	MaxPageLimit = 100
)

// HistoryURL constructs the URL for fetching a page of channel history
// starting strictly after offsetID.
func HistoryURL(baseURL, channel string, offsetID int64, limit int) string {
	if limit <= 0 || limit > MaxPageLimit {
		limit = DefaultPageLimit
	}

	params := url.Values{}
	params.Set("offset_id", fmt.Sprintf("%d", offsetID))
	params.Set("limit", fmt.Sprintf("%d", limit))

	return fmt.Sprintf(baseURL+HistoryEndpoint+"?%s", url.PathEscape(channel), params.Encode())
}

// LatestURL constructs the URL for resolving a channel's live-edge cursor.
func LatestURL(baseURL, channel string) string {
	params := url.Values{}
	params.Set("latest", "1")
	params.Set("limit", "1")

	return fmt.Sprintf(baseURL+HistoryEndpoint+"?%s", url.PathEscape(channel), params.Encode())
}

// FileURL constructs the URL for downloading an attachment by its locator.
func FileURL(baseURL, locator string) string {
	return fmt.Sprintf(baseURL+FileEndpoint, url.PathEscape(locator))
}
