package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/gorilla/websocket"
)

// Inbound is one decoded client frame: Ping, Pong, SearchQuery, ChatMessage
// or RawText.
type Inbound interface {
	inbound()
}

type Ping struct{}

// Pong answers a server heartbeat. It only resets the inactivity deadline.
type Pong struct{}

type SearchQuery struct {
	Query string `json:"query" validate:"max=50"`
}

type ChatMessage struct {
	Content   string `json:"content" validate:"notblank,max=4096"`
	ReplyToID *int   `json:"reply_to_id" validate:"omitempty,gt=0"`
}

// RawText is a frame that was not JSON, had no string type, or had a type
// this server does not know.
type RawText struct {
	Text string
}

func (Ping) inbound()        {}
func (Pong) inbound()        {}
func (SearchQuery) inbound() {}
func (ChatMessage) inbound() {}
func (RawText) inbound()     {}

// ErrInvalidFrame wraps validation failures of a known frame type.
var ErrInvalidFrame = errors.New("invalid message format")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// ParseInbound decodes a text frame. Only known types that fail validation
// return an error; anything unrecognised comes back as RawText.
func ParseInbound(data []byte) (Inbound, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return RawText{Text: string(data)}, nil
	}
	var kind string
	if err := json.Unmarshal(head.Type, &kind); err != nil {
		return RawText{Text: string(data)}, nil
	}

	switch kind {
	case "ping":
		return Ping{}, nil
	case "pong":
		return Pong{}, nil
	case "search_query":
		var frame struct {
			Query *string `json:"query"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Query == nil {
			return nil, fmt.Errorf("%w: query is required", ErrInvalidFrame)
		}
		q := SearchQuery{Query: *frame.Query}
		if err := validate.Struct(q); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return q, nil
	case "message":
		var frame struct {
			Data *ChatMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Data == nil {
			return nil, fmt.Errorf("%w: data is required", ErrInvalidFrame)
		}
		if err := ValidateChatMessage(*frame.Data); err != nil {
			return nil, err
		}
		return *frame.Data, nil
	default:
		return RawText{Text: string(data)}, nil
	}
}

// ValidateChatMessage checks content length, blankness and the reply id.
func ValidateChatMessage(msg ChatMessage) error {
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Outbound frames.

var pongFrame = []byte(`{"type":"pong"}`)

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorFrame struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type initialStatus struct {
	OnlineUsers []int `json:"online_users"`
}

type statusUpdate struct {
	UserID   int  `json:"user_id"`
	IsOnline bool `json:"is_online"`
}

// SearchResult is one user in a search_results frame.
type SearchResult struct {
	ID       int     `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar"`
	IsOnline bool    `json:"is_online"`
}

type searchResults struct {
	Type    string         `json:"type"`
	Results []SearchResult `json:"results"`
}

func newErrorFrame(message string, code int) errorFrame {
	if code == 0 {
		code = websocket.CloseInternalServerErr
	}
	return errorFrame{Type: "error", Error: errorBody{Message: message, Code: code}}
}
