// Package gossip maintains the agent pool membership view. Agents announce
// themselves to each other; announcements for a foreign pool are refused so
// two pools sharing a network can never merge by accident.
package gossip

import (
	"errors"
	"fmt"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrPoolMismatch is returned when an announcement names a different pool.
// The transport surfaces it as a hard refusal (HTTP 403 equivalent).
var ErrPoolMismatch = errors.New("gossip: pool mismatch")

// Member is one agent in the pool.
type Member struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// Announcement is the gossip message agents exchange: the sender plus its
// current membership view.
type Announcement struct {
	Pool    string   `json:"pool"`
	From    Member   `json:"from"`
	Members []Member `json:"members"`
}

// Pool is the local membership view. Safe for concurrent use.
type Pool struct {
	name string
	self Member

	members *xsync.MapOf[string, Member]

	merges  *vmetrics.Counter
	refused *vmetrics.Counter
}

// New creates a pool view named name containing only self.
func New(name string, self Member) *Pool {
	p := &Pool{
		name:    name,
		self:    self,
		members: xsync.NewMapOf[string, Member](),
		merges:  vmetrics.GetOrCreateCounter(fmt.Sprintf(`confraft_gossip_merges_total{pool=%q}`, name)),
		refused: vmetrics.GetOrCreateCounter(fmt.Sprintf(`confraft_gossip_refused_total{pool=%q}`, name)),
	}
	p.members.Store(self.ID, self)
	return p
}

// Merge folds a received announcement into the local view and returns the
// announcement to send back. Entries are kept by freshest LastSeen; the
// sender itself is stamped with the local receive time.
func (p *Pool) Merge(ann Announcement, now time.Time) (Announcement, error) {
	if ann.Pool != p.name {
		p.refused.Inc()
		return Announcement{}, fmt.Errorf("%w: got %q, want %q", ErrPoolMismatch, ann.Pool, p.name)
	}

	from := ann.From
	from.LastSeen = now
	p.upsert(from)
	for _, m := range ann.Members {
		p.upsert(m)
	}

	p.merges.Inc()
	return p.Announce(), nil
}

func (p *Pool) upsert(m Member) {
	if m.ID == "" || m.ID == p.self.ID {
		return
	}
	p.members.Compute(m.ID, func(old Member, loaded bool) (Member, bool) {
		if loaded && old.LastSeen.After(m.LastSeen) {
			return old, false
		}
		return m, false
	})
}

// Announce builds this agent's own announcement.
func (p *Pool) Announce() Announcement {
	return Announcement{Pool: p.name, From: p.self, Members: p.Snapshot()}
}

// Snapshot returns the current membership view.
func (p *Pool) Snapshot() []Member {
	out := make([]Member, 0, p.members.Size())
	p.members.Range(func(_ string, m Member) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Lookup resolves a member id to its address. Used for leader redirects.
func (p *Pool) Lookup(id string) (string, bool) {
	m, ok := p.members.Load(id)
	if !ok {
		return "", false
	}
	return m.Addr, true
}

// Expire drops members not seen within ttl. Self never expires.
func (p *Pool) Expire(now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl)
	n := 0
	p.members.Range(func(id string, m Member) bool {
		if id != p.self.ID && m.LastSeen.Before(cutoff) {
			p.members.Delete(id)
			n++
		}
		return true
	})
	return n
}
