package moderation

import (
	"errors"
	"time"
)

var (
	ErrMissingPermission = errors.New("missing permission")
	ErrNotFound          = errors.New("not found")
	// ErrDMClosed means the recipient blocks direct messages or shares no guild
	// with the bot. Retrying does not help.
	ErrDMClosed = errors.New("direct messages closed")
)

type User struct {
	ID            string
	Username      string
	GlobalName    string
	Discriminator string
	Bot           bool
}

// Guild is the subset of guild state used when rendering notifications.
type Guild struct {
	ID          string
	Name        string
	MemberCount int
}

// Tag renders the legacy name#discriminator form, or just the username for
// accounts migrated to unique usernames.
func (u User) Tag() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (u User) Mention() string {
	return "<@" + u.ID + ">"
}

type AuditCategory int

const (
	CategoryMemberKick AuditCategory = iota + 1
	CategoryMemberBanAdd
	CategoryMemberBanRemove
	CategoryMemberUpdate
)

func (c AuditCategory) String() string {
	switch c {
	case CategoryMemberKick:
		return "member_kick"
	case CategoryMemberBanAdd:
		return "member_ban_add"
	case CategoryMemberBanRemove:
		return "member_ban_remove"
	case CategoryMemberUpdate:
		return "member_update"
	default:
		return "unknown"
	}
}

// ChangeKeyTimeout is the audit change key written when a member timeout is set
// or cleared.
const ChangeKeyTimeout = "communication_disabled_until"

type AuditChange struct {
	Key      string
	OldValue string
	NewValue string
}

type AuditEntry struct {
	ID        string
	Category  AuditCategory
	TargetID  string
	Executor  User
	CreatedAt time.Time
	Reason    string
	Changes   []AuditChange
}

func (e AuditEntry) Change(key string) (AuditChange, bool) {
	for _, change := range e.Changes {
		if change.Key == key {
			return change, true
		}
	}
	return AuditChange{}, false
}

type Message struct {
	ID        string
	ChannelID string
	Author    User
	CreatedAt time.Time
	Content   string
	Mentions  []User
}

// SentMessage identifies a message the bot posted so it can be reacted to or
// edited later.
type SentMessage struct {
	ChannelID string
	MessageID string
}

type EventKind string

const (
	EventKick      EventKind = "kick"
	EventBan       EventKind = "ban"
	EventUnban     EventKind = "unban"
	EventTimeout   EventKind = "timeout"
	EventUntimeout EventKind = "untimeout"
	EventLeave     EventKind = "leave"
	EventJoin      EventKind = "join"
)

// Event is a moderation action after correlation. It is built once per gateway
// event and consumed by the dispatcher.
type Event struct {
	Kind                    EventKind
	GuildID                 string
	GuildName               string
	Target                  User
	Executor                *User
	ExecutorIsBot           bool
	ExecutorIsModerationBot bool
	OccurredAt              time.Time
	Reason                  string
	TimeoutUntil            time.Time
	Attribution             Attribution
}

type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
)

func (c Confidence) String() string {
	if c == ConfidenceLow {
		return "low"
	}
	return "none"
}

// Attribution is a guess at the human behind a bot action. A low confidence
// result names a candidate but is never a verified fact.
type Attribution struct {
	Confidence Confidence
	Candidate  User
	ChannelID  string
	MessageID  string
}

func (a Attribution) Found() bool {
	return a.Confidence > ConfidenceNone && a.Candidate.ID != ""
}

type Capability int

const (
	CapViewAuditLog Capability = iota + 1
	CapReadMessageHistory
	CapSendMessages
	CapManageMessages
	CapAdministrator
)

func (c Capability) String() string {
	switch c {
	case CapViewAuditLog:
		return "View Audit Log"
	case CapReadMessageHistory:
		return "Read Message History"
	case CapSendMessages:
		return "Send Messages"
	case CapManageMessages:
		return "Manage Messages"
	case CapAdministrator:
		return "Administrator"
	default:
		return "Unknown"
	}
}

type PresenceStatus string

const (
	StatusOnline    PresenceStatus = "online"
	StatusIdle      PresenceStatus = "idle"
	StatusDND       PresenceStatus = "dnd"
	StatusInvisible PresenceStatus = "invisible"
	StatusOffline   PresenceStatus = "offline"
)

// Active reports whether the status counts as present. Unknown status is treated
// as offline.
func (s PresenceStatus) Active() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND:
		return true
	default:
		return false
	}
}

// DayKey is the per-day bucket used for daily quotas.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
