package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrAlreadyVoted reports that the voter already has an entry on the poll.
	ErrAlreadyVoted = errors.New("voter has already voted on this poll")
	// ErrUnknownOption reports a vote for an option the poll does not carry.
	ErrUnknownOption = errors.New("poll option not found")
	// ErrForbidden reports a mutation attempted by someone other than the author.
	ErrForbidden = errors.New("only the author may modify this message")
	// ErrMessageDeleted reports an edit against a soft-deleted message.
	ErrMessageDeleted = errors.New("message has been deleted")
)

// AnonymousIdentity is the display identity of a connection that has not yet
// carried a username on any action.
const AnonymousIdentity = "Anonymous"

// DeletedPlaceholder replaces the text of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

type PollOption struct {
	ID    string `json:"id" bson:"id"`
	Text  string `json:"text" bson:"text"`
	Votes int    `json:"votes" bson:"votes"`
}

type Vote struct {
	User     string `json:"user" bson:"user"`
	OptionID string `json:"optionId" bson:"option_id"`
}

// Poll is the durable poll record. VotedBy holds at most one entry per voter
// and each option's Votes equals the number of VotedBy entries naming it.
type Poll struct {
	ID        string       `json:"id" bson:"_id"`
	Question  string       `json:"question" bson:"question"`
	Options   []PollOption `json:"options" bson:"options"`
	Active    bool         `json:"active" bson:"active"`
	VotedBy   []Vote       `json:"votedBy" bson:"voted_by"`
	CreatedAt time.Time    `json:"createdAt" bson:"created_at"`
}

// NewPoll builds an active poll with zero votes. Option IDs are assigned
// sequentially starting at "1".
func NewPoll(id, question string, options []string, createdAt time.Time) Poll {
	poll := Poll{
		ID:        id,
		Question:  question,
		Options:   make([]PollOption, 0, len(options)),
		Active:    true,
		VotedBy:   []Vote{},
		CreatedAt: createdAt.UTC(),
	}
	for i, text := range options {
		poll.Options = append(poll.Options, PollOption{ID: strconv.Itoa(i + 1), Text: text})
	}
	return poll
}

// Clone returns a deep copy so callers can mutate the result freely.
func (p Poll) Clone() Poll {
	out := p
	out.Options = append([]PollOption(nil), p.Options...)
	out.VotedBy = append([]Vote(nil), p.VotedBy...)
	if out.VotedBy == nil {
		out.VotedBy = []Vote{}
	}
	return out
}

// HasOption reports whether optionID names one of the poll's options.
func (p Poll) HasOption(optionID string) bool {
	for _, option := range p.Options {
		if option.ID == optionID {
			return true
		}
	}
	return false
}

// VoteOf returns the vote cast by user, if any.
func (p Poll) VoteOf(user string) (Vote, bool) {
	for _, vote := range p.VotedBy {
		if vote.User == user {
			return vote, true
		}
	}
	return Vote{}, false
}

func (p Poll) TotalVotes() int {
	total := 0
	for _, option := range p.Options {
		total += option.Votes
	}
	return total
}

// ApplyVote appends the vote and increments the option count as one unit.
// The poll is left untouched when an error is returned.
func (p *Poll) ApplyVote(vote Vote) error {
	if _, ok := p.VoteOf(vote.User); ok {
		return ErrAlreadyVoted
	}
	for i := range p.Options {
		if p.Options[i].ID == vote.OptionID {
			p.Options[i].Votes++
			p.VotedBy = append(p.VotedBy, vote)
			return nil
		}
	}
	return ErrUnknownOption
}

// Consistent reports whether the per-option counts match the voter list and
// no voter appears twice.
func (p Poll) Consistent() bool {
	seen := make(map[string]struct{}, len(p.VotedBy))
	counts := make(map[string]int, len(p.Options))
	for _, vote := range p.VotedBy {
		if _, dup := seen[vote.User]; dup {
			return false
		}
		seen[vote.User] = struct{}{}
		counts[vote.OptionID]++
	}
	matched := 0
	for _, option := range p.Options {
		if option.Votes != counts[option.ID] {
			return false
		}
		matched += option.Votes
	}
	return matched == len(p.VotedBy)
}

// MessageState tags a chat message as active or soft-deleted. The only
// transition is Active to Deleted.
type MessageState int

const (
	MessageActive MessageState = iota
	MessageDeleted
)

func (s MessageState) String() string {
	switch s {
	case MessageActive:
		return "active"
	case MessageDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("MessageState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s MessageState) MarshalText() ([]byte, error) {
	switch s {
	case MessageActive, MessageDeleted:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid message state %d", int(s))
	}
}

// UnmarshalText decodes a state name. An empty value is treated as active.
func (s *MessageState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "active":
		*s = MessageActive
	case "deleted":
		*s = MessageDeleted
	default:
		return fmt.Errorf("unknown message state %q", string(text))
	}
	return nil
}

// ChatMessage is the durable chat record. Revision increments on every
// committed mutation and backs conditional saves.
type ChatMessage struct {
	ID        string       `json:"id" bson:"_id"`
	Username  string       `json:"username" bson:"username"`
	Text      string       `json:"text" bson:"text"`
	Timestamp time.Time    `json:"timestamp" bson:"timestamp"`
	Edited    bool         `json:"isEdited" bson:"is_edited"`
	State     MessageState `json:"state" bson:"state"`
	Revision  int64        `json:"revision" bson:"revision"`
}

func (m ChatMessage) Deleted() bool {
	return m.State == MessageDeleted
}

// Edit replaces the text when actor is the author and the message is active.
func (m *ChatMessage) Edit(actor, text string) error {
	if actor != m.Username {
		return ErrForbidden
	}
	if m.Deleted() {
		return ErrMessageDeleted
	}
	m.Text = text
	m.Edited = true
	m.Revision++
	return nil
}

// Delete soft-deletes the message when actor is the author. Deleting an
// already deleted message succeeds without changes and reports false.
func (m *ChatMessage) Delete(actor string) (bool, error) {
	if actor != m.Username {
		return false, ErrForbidden
	}
	if m.Deleted() {
		return false, nil
	}
	m.State = MessageDeleted
	m.Text = DeletedPlaceholder
	m.Revision++
	return true, nil
}

type Preferences struct {
	Notifications bool `json:"notifications" bson:"notifications"`
}

// DefaultPreferences is the record created on first access.
func DefaultPreferences() Preferences {
	return Preferences{Notifications: true}
}

// PreferencesPatch carries the fields of a partial update. Nil fields are left
// unchanged.
type PreferencesPatch struct {
	Notifications *bool `json:"notifications,omitempty"`
}

func (p Preferences) Merge(patch PreferencesPatch) Preferences {
	if patch.Notifications != nil {
		p.Notifications = *patch.Notifications
	}
	return p
}
