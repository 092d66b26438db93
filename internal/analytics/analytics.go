package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"modnotify/internal/storage"
)

type History interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
}

type Service struct {
	history History
}

func New(history History) *Service {
	return &Service{history: history}
}

type Report struct {
	Since    time.Time
	Total    int
	Failed   int
	ByEvent  map[string]int
	ByLevel  map[string]int
	LastSeen time.Time
}

// PeriodStart maps "day" or "week" to the start of the reporting window. Anything
// else is treated as a day.
func PeriodStart(now time.Time, period string) time.Time {
	if strings.EqualFold(strings.TrimSpace(period), "week") {
		return now.AddDate(0, 0, -7)
	}
	return now.AddDate(0, 0, -1)
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.history.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByEvent: make(map[string]int), ByLevel: make(map[string]int)}
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
		if strings.HasPrefix(log.Details, "delivery failed") {
			report.Failed++
		}
		if log.CreatedAt.After(report.LastSeen) {
			report.LastSeen = log.CreatedAt
		}
	}
	return report, nil
}

func Format(report Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Notification report since <t:%d:f>**\n", report.Since.Unix())
	if report.Total == 0 {
		b.WriteString("No activity recorded.")
		return b.String()
	}
	fmt.Fprintf(&b, "Total events: %d (failed deliveries: %d)\n", report.Total, report.Failed)

	events := make([]string, 0, len(report.ByEvent))
	for event := range report.ByEvent {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		if report.ByEvent[events[i]] != report.ByEvent[events[j]] {
			return report.ByEvent[events[i]] > report.ByEvent[events[j]]
		}
		return events[i] < events[j]
	})
	for _, event := range events {
		fmt.Fprintf(&b, "• %s: %d\n", event, report.ByEvent[event])
	}
	fmt.Fprintf(&b, "Last event: <t:%d:R>", report.LastSeen.Unix())
	return b.String()
}
