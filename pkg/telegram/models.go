package telegram

import "time"

// MediaRef references a binary attachment carried by a message.
type MediaRef struct {
	Kind    string `json:"kind"` // photo, video, document, audio
	Locator string `json:"locator"`
}

// Message is one unit of the channel history stream. Extra carries
// source-specific attributes the pipeline stores but does not interpret.
type Message struct {
	ID             int64          `json:"id"`
	Date           time.Time      `json:"date"`
	SenderID       int64          `json:"sender_id"`
	SenderUsername string         `json:"sender_username"`
	Text           string         `json:"text"`
	ReplyTo        int64          `json:"reply_to"`
	Views          int            `json:"views"`
	Media          *MediaRef      `json:"media,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Page is one page of channel history. NextCursor is the offset to request
// the following page with; it is only meaningful when HasMore is true.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor int64     `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

// historyResponse is the wire shape of a channel history page
type historyResponse struct {
	OK          bool          `json:"ok"`
	Description string        `json:"description"`
	Result      historyResult `json:"result"`
}

type historyResult struct {
	Messages   []wireMessage `json:"messages"`
	NextOffset int64         `json:"next_offset"`
	HasMore    bool          `json:"has_more"`
}

type wireMessage struct {
	ID       int64          `json:"id"`
	Date     int64          `json:"date"` // unix seconds
	SenderID int64          `json:"sender_id"`
	Sender   string         `json:"sender_username"`
	Text     string         `json:"text"`
	ReplyTo  int64          `json:"reply_to_message_id"`
	Views    int            `json:"views"`
	Media    *wireMedia     `json:"media"`
	Extra    map[string]any `json:"extra"`
}

type wireMedia struct {
	Type   string `json:"type"`
	FileID string `json:"file_id"`
}

func (w wireMessage) toMessage() Message {
	msg := Message{
		ID:             w.ID,
		Date:           time.Unix(w.Date, 0).UTC(),
		SenderID:       w.SenderID,
		SenderUsername: w.Sender,
		Text:           w.Text,
		ReplyTo:        w.ReplyTo,
		Views:          w.Views,
		Extra:          w.Extra,
	}
	if w.Media != nil && w.Media.FileID != "" {
		msg.Media = &MediaRef{Kind: w.Media.Type, Locator: w.Media.FileID}
	}
	return msg
}
