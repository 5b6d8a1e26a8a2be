package publisher

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/mailflowd/mailflow/internal/message"
)

// Group is one pool of transfer agents that deliveries can be routed
// to.
type Group struct {
	Name string `toml:"name"`
	// Domains restricts the group to these sending domains. Empty or
	// "*" matches every domain.
	Domains []string `toml:"domains"`
	// MinPriority reserves the group for messages at or above this
	// priority. Zero accepts everything.
	MinPriority int  `toml:"min_priority"`
	Default     bool `toml:"default"`
}

func (g Group) matches(domain string, prio message.Priority) bool {
	if int(prio) < g.MinPriority {
		return false
	}
	if len(g.Domains) == 0 {
		return true
	}
	for _, d := range g.Domains {
		if d == "*" || strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Router picks the agent group for an outgoing delivery. Selection is
// deterministic: the first healthy group matching the message's domain
// and priority wins, in configuration order, falling back to the
// default group. Groups marked unhealthy are skipped until marked up
// again.
type Router struct {
	mu       sync.RWMutex
	groups   []Group
	down     map[string]bool
	fallback string
	logger   *slog.Logger
}

func NewRouter(groups []Group, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		down:   make(map[string]bool),
		logger: logger.With("component", "router"),
	}
	r.Replace(groups)
	return r
}

// Replace swaps the routing table, keeping recorded health state for
// groups that survive the swap.
func (r *Router) Replace(groups []Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = groups
	r.fallback = ""
	for _, g := range groups {
		if g.Default && r.fallback == "" {
			r.fallback = g.Name
		}
	}
	if r.fallback == "" && len(groups) > 0 {
		r.fallback = groups[0].Name
	}
	alive := make(map[string]bool, len(groups))
	for _, g := range groups {
		alive[g.Name] = true
	}
	for name := range r.down {
		if !alive[name] {
			delete(r.down, name)
		}
	}
}

// SetHealth marks a group up or down.
func (r *Router) SetHealth(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if healthy {
		delete(r.down, name)
	} else {
		r.down[name] = true
	}
	r.logger.Info("Agent group health changed", "group", name, "healthy", healthy)
}

// Pick returns the agent group for the message. A group already pinned
// on the message wins unless it is down. An empty result means no
// group is configured at all; the broker entry then carries no routing
// hint and any agent may take it.
func (r *Router) Pick(m *message.Message) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m.AgentGroup != "" && !r.down[m.AgentGroup] {
		return m.AgentGroup
	}
	for _, g := range r.groups {
		if r.down[g.Name] {
			continue
		}
		if g.matches(m.Domain, m.Priority) {
			return g.Name
		}
	}
	// Every matching group is down. Routing to the fallback keeps the
	// message moving; the agents will defer it if the group really is
	// unreachable.
	return r.fallback
}
