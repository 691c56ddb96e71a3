package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"livesync/internal/models"
)

// EventName identifies a frame flowing over a realtime connection.
type EventName string

// Inbound events sent by clients.
const (
	EventRequestHistory  EventName = "request_history"
	EventSendMessage     EventName = "send_message"
	EventEditMessage     EventName = "edit_message"
	EventDeleteMessage   EventName = "delete_message"
	EventTyping          EventName = "typing"
	EventStopTyping      EventName = "stop_typing"
	EventRequestPoll     EventName = "request_poll"
	EventVote            EventName = "vote"
	EventCheckPollStatus EventName = "check_poll_status"
	EventCreatePoll      EventName = "create_poll"
	EventGetSettings     EventName = "get_settings"
	EventUpdateSettings  EventName = "update_settings"
)

// Outbound events sent by the hub.
const (
	EventReceiveMessage    EventName = "receive_message"
	EventMessageHistory    EventName = "message_history"
	EventMessageUpdated    EventName = "message_updated"
	EventMessageDeleted    EventName = "message_deleted"
	EventDisplayTyping     EventName = "display_typing"
	EventStopDisplayTyping EventName = "stop_display_typing"
	EventUpdatePoll        EventName = "update_poll"
	EventUserPollStatus    EventName = "user_poll_status"
	EventUpdateUserCount   EventName = "update_user_count"
	EventSettingsUpdated   EventName = "settings_updated"
	EventError             EventName = "error"
	EventActionRejected    EventName = "action_rejected"
)

const (
	maxMessageRunes  = 500
	maxUsernameRunes = 64
	maxQuestionRunes = 200
	maxOptionRunes   = 100
	minPollOptions   = 2
	maxPollOptions   = 10
)

var (
	// ErrMalformedFrame reports a frame that is not a JSON envelope.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEvent reports a well-formed frame naming an unsupported event.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload reports a payload that fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is the envelope used in both directions.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Action is a decoded and validated inbound frame. Only the fields relevant to
// Event are populated.
type Action struct {
	Event     EventName
	Username  string
	MessageID string
	Text      string
	OptionID  string
	Question  string
	Options   []string
	Settings  models.PreferencesPatch
}

// optionID accepts both string and numeric option identifiers.
type optionID string

func (o *optionID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*o = optionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("option id must be an integer or string")
	}
	*o = optionID(n.String())
	return nil
}

type inboundData struct {
	Username string                  `json:"username"`
	ID       string                  `json:"id"`
	Text     string                  `json:"text"`
	OptionID optionID                `json:"optionId"`
	Question string                  `json:"question"`
	Options  []string                `json:"options"`
	Settings models.PreferencesPatch `json:"settings"`
}

// DecodeAction parses a raw frame and validates its payload.
func DecodeAction(raw []byte) (Action, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(string(frame.Event)) == "" {
		return Action{}, fmt.Errorf("%w: event is required", ErrMalformedFrame)
	}

	var data inboundData
	if len(frame.Data) > 0 && !bytes.Equal(bytes.TrimSpace(frame.Data), []byte("null")) {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return Action{Event: frame.Event}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}

	action := Action{Event: frame.Event}
	username, err := normalizeUsername(data.Username)
	if err != nil {
		return action, err
	}
	action.Username = username

	switch frame.Event {
	case EventRequestHistory, EventRequestPoll, EventTyping, EventStopTyping,
		EventCheckPollStatus, EventGetSettings:
	case EventSendMessage:
		if err := requireAuthor(action.Username); err != nil {
			return action, err
		}
		if action.Text, err = normalizeMessageText(data.Text); err != nil {
			return action, err
		}
	case EventEditMessage:
		if err := requireAuthor(action.Username); err != nil {
			return action, err
		}
		if action.MessageID, err = requireID(data.ID); err != nil {
			return action, err
		}
		if action.Text, err = normalizeMessageText(data.Text); err != nil {
			return action, err
		}
	case EventDeleteMessage:
		if err := requireAuthor(action.Username); err != nil {
			return action, err
		}
		if action.MessageID, err = requireID(data.ID); err != nil {
			return action, err
		}
	case EventVote:
		action.OptionID = strings.TrimSpace(string(data.OptionID))
		if action.OptionID == "" {
			return action, fmt.Errorf("%w: optionId is required", ErrInvalidPayload)
		}
	case EventCreatePoll:
		if action.Question, action.Options, err = normalizePoll(data.Question, data.Options); err != nil {
			return action, err
		}
	case EventUpdateSettings:
		action.Settings = data.Settings
	default:
		return action, fmt.Errorf("%w: %s", ErrUnknownEvent, frame.Event)
	}
	return action, nil
}

func normalizeText(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}

func normalizeUsername(value string) (string, error) {
	username := normalizeText(value)
	if utf8.RuneCountInString(username) > maxUsernameRunes {
		return "", fmt.Errorf("%w: username exceeds %d characters", ErrInvalidPayload, maxUsernameRunes)
	}
	return username, nil
}

// requireAuthor rejects message actions that carry no identity of their own.
// The placeholder identity is shared by every anonymous participant, so it
// cannot own a message either.
func requireAuthor(username string) error {
	if username == "" || username == models.AnonymousIdentity {
		return fmt.Errorf("%w: username is required", ErrInvalidPayload)
	}
	return nil
}

func normalizeMessageText(value string) (string, error) {
	text := normalizeText(value)
	if text == "" {
		return "", fmt.Errorf("%w: message cannot be empty", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return "", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidPayload, maxMessageRunes)
	}
	return text, nil
}

func requireID(value string) (string, error) {
	id := strings.TrimSpace(value)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidPayload)
	}
	return id, nil
}

func normalizePoll(question string, options []string) (string, []string, error) {
	q := normalizeText(question)
	if q == "" {
		return "", nil, fmt.Errorf("%w: question is required", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(q) > maxQuestionRunes {
		return "", nil, fmt.Errorf("%w: question exceeds %d characters", ErrInvalidPayload, maxQuestionRunes)
	}
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return "", nil, fmt.Errorf("%w: a poll needs between %d and %d options", ErrInvalidPayload, minPollOptions, maxPollOptions)
	}
	out := make([]string, 0, len(options))
	for i, option := range options {
		text := normalizeText(option)
		if text == "" {
			return "", nil, fmt.Errorf("%w: option %d is empty", ErrInvalidPayload, i+1)
		}
		if utf8.RuneCountInString(text) > maxOptionRunes {
			return "", nil, fmt.Errorf("%w: option %d exceeds %d characters", ErrInvalidPayload, i+1, maxOptionRunes)
		}
		out = append(out, text)
	}
	return q, out, nil
}

// MessagePayload is the client projection of a chat message.
type MessagePayload struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsEdited  bool      `json:"isEdited"`
	IsDeleted bool      `json:"isDeleted"`
}

func newMessagePayload(msg models.ChatMessage) MessagePayload {
	return MessagePayload{
		ID:        msg.ID,
		Username:  msg.Username,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		IsEdited:  msg.Edited,
		IsDeleted: msg.Deleted(),
	}
}

type HistoryPayload struct {
	Messages []MessagePayload `json:"messages"`
}

type MessageUpdatedPayload struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	IsEdited bool   `json:"isEdited"`
}

type MessageDeletedPayload struct {
	ID string `json:"id"`
}

// TypingPayload names the connection that started or stopped typing.
type TypingPayload struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// PollPayload is the client projection of a poll. The voter ledger is never
// exposed.
type PollPayload struct {
	ID         string              `json:"id"`
	Question   string              `json:"question"`
	Options    []models.PollOption `json:"options"`
	TotalVotes int                 `json:"totalVotes"`
}

func newPollPayload(poll models.Poll) PollPayload {
	options := append([]models.PollOption(nil), poll.Options...)
	if options == nil {
		options = []models.PollOption{}
	}
	return PollPayload{
		ID:         poll.ID,
		Question:   poll.Question,
		Options:    options,
		TotalVotes: poll.TotalVotes(),
	}
}

type PollStatusPayload struct {
	HasVoted bool   `json:"hasVoted"`
	OptionID string `json:"optionId,omitempty"`
}

type UserCountPayload struct {
	Count int `json:"count"`
}

type SettingsPayload struct {
	Username string             `json:"username"`
	Settings models.Preferences `json:"settings"`
}

type ErrorPayload struct {
	Event   EventName `json:"event,omitempty"`
	Message string    `json:"message"`
}

// RejectionPayload tells the sender why an action was abandoned.
type RejectionPayload struct {
	Event  EventName `json:"event"`
	Reason string    `json:"reason"`
}

func encodeFrame(name EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(Frame{Event: name, Data: data})
}
