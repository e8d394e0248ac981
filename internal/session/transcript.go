package session

import (
	"encoding/json"
	"strings"
)

// Entry is one decoded transcript record. The format is owned by the agent
// writing the file; the monitor only requires line-delimited self-describing
// JSON. Unknown fields survive in Raw.
type Entry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	UUID      string          `json:"uuid"`
	Message   json.RawMessage `json:"message"`

	Raw []byte `json:"-"`
}

// decodeEntry parses a single newline-delimited record. Any valid JSON
// object counts as a decoded entry even when no known field is present.
func decodeEntry(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, err
	}
	e.Raw = line
	return e, nil
}

// entryMessage is the subset of the message payload needed to extract text.
type entryMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text extracts the human-readable text of an assistant or user record:
// either a plain content string or the concatenated text blocks of a
// content array. Returns "" for records without text content.
func (e *Entry) Text() string {
	if len(e.Message) == 0 {
		return ""
	}
	var msg entryMessage
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return ""
	}
	if len(msg.Content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(msg.Content, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
