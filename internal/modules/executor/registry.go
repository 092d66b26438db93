package executor

import (
	"strings"
	"sync"

	"modnotify/internal/moderation"
)

type Classification struct {
	IsBot                bool
	IsKnownModerationBot bool
}

// Registry holds the names of third-party moderation bots. The list can be
// replaced at runtime when the allow-list file changes.
type Registry struct {
	mu    sync.RWMutex
	names []string
}

func NewRegistry(names []string) *Registry {
	r := &Registry{}
	r.Reload(names)
	return r
}

func (r *Registry) Reload(names []string) {
	normalized := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		normalized = append(normalized, name)
	}

	r.mu.Lock()
	r.names = normalized
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Classify marks a bot as a known moderation bot when its username or display
// name contains one of the registered names, ignoring case.
func (r *Registry) Classify(user moderation.User) Classification {
	if !user.Bot {
		return Classification{}
	}
	username := strings.ToLower(user.Username)
	display := strings.ToLower(user.GlobalName)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		if strings.Contains(username, name) || (display != "" && strings.Contains(display, name)) {
			return Classification{IsBot: true, IsKnownModerationBot: true}
		}
	}
	return Classification{IsBot: true}
}
