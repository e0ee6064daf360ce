package feed

import (
	"sort"
	"sync"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

const DefaultWindow = 50

type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeInsert   ChangeKind = "insert"
	ChangeRemove   ChangeKind = "remove"
	ChangeUpdate   ChangeKind = "update"
)

// Change describes one mutation of a State. Snapshot changes carry the whole
// window in Posts; the others carry the affected post.
type Change struct {
	Kind   ChangeKind
	Zone   models.Zone
	Post   *models.Post
	Posts  []*models.Post
	Points int
}

// Observer is called after every effective mutation, outside the state lock.
// It must not call back into the Session that owns the state.
type Observer func(Change)

// Ticket identifies one activation of a zone. Responses issued under an
// older ticket are discarded.
type Ticket struct {
	Zone  models.Zone
	epoch uint64
}

// State is the feed window of one session: newest first, unique by id,
// never longer than its capacity, holding only visible posts of the active
// zone.
type State struct {
	mu       sync.Mutex
	capacity int
	zone     models.Zone
	epoch    uint64
	posts    []*models.Post
	observer Observer
}

func NewState(capacity int, observer Observer) *State {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &State{capacity: capacity, observer: observer}
}

// Activate switches to zone, clears the window and invalidates every
// ticket issued before.
func (s *State) Activate(zone models.Zone) Ticket {
	s.mu.Lock()
	s.epoch++
	s.zone = zone
	s.posts = nil
	t := Ticket{Zone: zone, epoch: s.epoch}
	ch := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(ch)
	return t
}

func (s *State) Ticket() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Ticket{Zone: s.zone, epoch: s.epoch}
}

func (s *State) IsCurrent(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.epoch == s.epoch && t.Zone == s.zone
}

func (s *State) Zone() models.Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone
}

// Reload replaces the window with a bulk query result issued under t.
// Entries already present that are newer than every loaded post are kept:
// they arrived through the realtime channel while the query was in flight.
// A stale ticket leaves the state untouched and returns false.
func (s *State) Reload(t Ticket, posts []*models.Post) bool {
	s.mu.Lock()
	if t.epoch != s.epoch || t.Zone != s.zone {
		s.mu.Unlock()
		return false
	}

	var newest *models.Post
	for _, p := range posts {
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			newest = p
		}
	}

	seen := make(map[string]struct{}, len(posts)+len(s.posts))
	merged := make([]*models.Post, 0, len(posts)+len(s.posts))
	for _, p := range s.posts {
		if newest == nil || p.CreatedAt.After(newest.CreatedAt) {
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}
	for _, p := range posts {
		if _, dup := seen[p.ID]; dup || !s.visibleLocked(p) {
			continue
		}
		seen[p.ID] = struct{}{}
		cp := *p
		merged = append(merged, &cp)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	s.posts = s.truncate(merged)
	ch := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(ch)
	return true
}

// Insert prepends p unless it is hidden, belongs to another zone or is
// already present. The check and the insert happen under one lock.
func (s *State) Insert(p *models.Post) bool {
	s.mu.Lock()
	ch, ok := s.insertLocked(p)
	s.mu.Unlock()

	if ok {
		s.notify(ch)
	}
	return ok
}

// InsertFor is Insert restricted to the activation t.
func (s *State) InsertFor(t Ticket, p *models.Post) bool {
	s.mu.Lock()
	if t.epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	ch, ok := s.insertLocked(p)
	s.mu.Unlock()

	if ok {
		s.notify(ch)
	}
	return ok
}

func (s *State) insertLocked(p *models.Post) (Change, bool) {
	if p == nil || !s.visibleLocked(p) || s.indexLocked(p.ID) >= 0 {
		return Change{}, false
	}

	cp := *p
	posts := make([]*models.Post, 0, len(s.posts)+1)
	posts = append(posts, &cp)
	posts = append(posts, s.posts...)
	s.posts = s.truncate(posts)

	out := cp
	return Change{Kind: ChangeInsert, Zone: s.zone, Post: &out, Points: s.pointsLocked()}, true
}

// Remove drops the post with id, used when a post gets hidden.
func (s *State) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	removed := *s.posts[i]
	s.posts = append(s.posts[:i:i], s.posts[i+1:]...)
	ch := Change{Kind: ChangeRemove, Zone: s.zone, Post: &removed, Points: s.pointsLocked()}
	s.mu.Unlock()

	s.notify(ch)
	return true
}

func (s *State) MarkReported(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.posts[i].Reported {
		s.mu.Unlock()
		return false
	}
	cp := *s.posts[i]
	cp.Reported = true
	s.posts[i] = &cp
	out := cp
	ch := Change{Kind: ChangeUpdate, Zone: s.zone, Post: &out, Points: s.pointsLocked()}
	s.mu.Unlock()

	s.notify(ch)
	return true
}

func (s *State) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(id) >= 0
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// Points is the total reward value of the posts in the window.
func (s *State) Points() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pointsLocked()
}

// Snapshot returns a copy of the window, newest first.
func (s *State) Snapshot() []*models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *State) visibleLocked(p *models.Post) bool {
	return s.zone != "" && p.Zone == s.zone && !p.Hidden
}

func (s *State) indexLocked(id string) int {
	for i, p := range s.posts {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) pointsLocked() int {
	total := 0
	for _, p := range s.posts {
		total += p.Points
	}
	return total
}

func (s *State) copyLocked() []*models.Post {
	out := make([]*models.Post, len(s.posts))
	for i, p := range s.posts {
		cp := *p
		out[i] = &cp
	}
	return out
}

func (s *State) snapshotLocked() Change {
	return Change{Kind: ChangeSnapshot, Zone: s.zone, Posts: s.copyLocked(), Points: s.pointsLocked()}
}

func (s *State) truncate(posts []*models.Post) []*models.Post {
	if len(posts) > s.capacity {
		for i := s.capacity; i < len(posts); i++ {
			posts[i] = nil
		}
		posts = posts[:s.capacity]
	}
	return posts
}

func (s *State) notify(ch Change) {
	if s.observer != nil {
		s.observer(ch)
	}
}
