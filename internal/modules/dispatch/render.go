package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"modnotify/internal/moderation"
)

const timestampLayout = "Monday, January 2, 2006 at 3:04:05 PM MST"

type actionText struct {
	emoji string
	label string
	noun  string
	prep  string
}

var actions = map[moderation.EventKind]actionText{
	moderation.EventKick:      {emoji: "🚨", label: "Kicked", noun: "kick", prep: "from"},
	moderation.EventBan:       {emoji: "🔨", label: "Banned", noun: "ban", prep: "from"},
	moderation.EventUnban:     {emoji: "🔓", label: "Unbanned", noun: "unban", prep: "in"},
	moderation.EventTimeout:   {emoji: "🔇", label: "Timed Out", noun: "timeout", prep: "in"},
	moderation.EventUntimeout: {emoji: "🔊", label: "Timeout Removed", noun: "timeout removal", prep: "in"},
}

// RenderEvent builds the direct message body for a moderation action.
func RenderEvent(event moderation.Event) string {
	text, ok := actions[event.Kind]
	if !ok {
		text = actionText{emoji: "ℹ️", label: string(event.Kind), noun: string(event.Kind), prep: "in"}
	}
	guild := event.GuildName
	if guild == "" {
		guild = event.GuildID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **Member %s %s %s**\n\n", text.emoji, text.label, text.prep, guild)
	fmt.Fprintf(&b, "**%s Member:**\n", text.label)
	fmt.Fprintf(&b, "• Username: %s\n", event.Target.Tag())
	if name := event.Target.DisplayName(); name != event.Target.Username {
		fmt.Fprintf(&b, "• Display Name: %s\n", name)
	}
	fmt.Fprintf(&b, "• User ID: %s\n\n", event.Target.ID)

	switch {
	case event.Executor == nil:
		b.WriteString("**Executor:**\n")
		b.WriteString("• Unknown (no matching audit log entry)\n")
	case event.ExecutorIsBot:
		b.WriteString("**Executor (Bot):**\n")
		fmt.Fprintf(&b, "• Bot Name: %s\n", event.Executor.Tag())
		fmt.Fprintf(&b, "• Bot ID: %s\n", event.Executor.ID)
		if event.ExecutorIsModerationBot {
			b.WriteString("• Type: Moderation Bot\n")
			fmt.Fprintf(&b, "\n⚠️ *This %s was executed by a moderation bot. The actual moderator who triggered this action may not be logged in audit logs.*\n", text.noun)
		}
	default:
		b.WriteString("**Executor (Human):**\n")
		fmt.Fprintf(&b, "• Username: %s\n", event.Executor.Tag())
		fmt.Fprintf(&b, "• User ID: %s\n", event.Executor.ID)
	}

	if event.Reason != "" {
		b.WriteString("\n**Reason:**\n")
		fmt.Fprintf(&b, "• %s\n", event.Reason)
	}

	if event.Kind == moderation.EventTimeout && !event.TimeoutUntil.IsZero() {
		b.WriteString("\n**Timeout Ends:**\n")
		writeTimestamp(&b, event.TimeoutUntil)
	}

	b.WriteString("\n**Timestamp:**\n")
	writeTimestamp(&b, event.OccurredAt)

	if event.Attribution.Found() {
		candidate := event.Attribution.Candidate
		b.WriteString("\n**Possible Human Moderator (unverified):**\n")
		fmt.Fprintf(&b, "• %s (%s)\n", candidate.Tag(), candidate.ID)
		fmt.Fprintf(&b, "• *Confidence: %s, best-effort detection from recent bot messages*\n", event.Attribution.Confidence)
	}
	return b.String()
}

func writeTimestamp(b *strings.Builder, ts time.Time) {
	ts = ts.UTC()
	fmt.Fprintf(b, "• %s\n", ts.Format(timestampLayout))
	fmt.Fprintf(b, "• Unix: %d\n", ts.Unix())
}

// TemplateVars are the values substituted into welcome and leave templates.
type TemplateVars struct {
	User        moderation.User
	Server      string
	MemberCount int
}

// RenderTemplate replaces {user}, {username}, {userId}, {server} and
// {memberCount}. Unknown placeholders are left as they are.
func RenderTemplate(template string, vars TemplateVars) string {
	replacer := strings.NewReplacer(
		"{user}", vars.User.Mention(),
		"{username}", vars.User.Tag(),
		"{userId}", vars.User.ID,
		"{server}", vars.Server,
		"{memberCount}", strconv.Itoa(vars.MemberCount),
	)
	return replacer.Replace(template)
}
