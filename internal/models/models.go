package models

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var ErrUnknownZone = errors.New("unknown zone")

// Zone is a fixed partition of the feed. Posts and subscriptions belong to
// exactly one zone.
type Zone string

const (
	ZoneCampus Zone = "Campus"
	ZoneBagru  Zone = "Bagru"
	ZoneJaipur Zone = "Jaipur"
)

var Zones = []Zone{ZoneCampus, ZoneBagru, ZoneJaipur}

// ParseZone matches s against the known zones, ignoring case.
func ParseZone(s string) (Zone, error) {
	s = strings.TrimSpace(s)
	for _, z := range Zones {
		if strings.EqualFold(string(z), s) {
			return z, nil
		}
	}
	return "", ErrUnknownZone
}

type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Points    int       `json:"points"`
	Zone      Zone      `json:"zone"`
	Hidden    bool      `json:"hidden"`
	Reported  bool      `json:"reported"`
	OwnerID   *string   `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type NewPost struct {
	Text    string
	Author  string
	Points  int
	Zone    Zone
	OwnerID *string
}

// PostPatch is a partial update. Nil fields are left untouched.
type PostPatch struct {
	Hidden   *bool
	Reported *bool
}

type PostFilter struct {
	Zone          Zone
	IncludeHidden bool
	Limit         int
	Cursor        *string
}

// Matches reports whether p passes the zone and visibility predicates.
// Limit and Cursor are ignored.
func (f PostFilter) Matches(p *Post) bool {
	if f.Zone != "" && p.Zone != f.Zone {
		return false
	}
	if !f.IncludeHidden && p.Hidden {
		return false
	}
	return true
}

type PaginatedPosts struct {
	Posts      []*Post `json:"posts"`
	TotalCount int     `json:"totalCount"`
	NextCursor *string `json:"nextCursor"`
}

type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason"`
}

var ErrMalformedCursor = errors.New("malformed cursor")

// Cursor is a page boundary: the last post of the previous page. Posts
// order by CreatedAt then ID, both descending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether p sorts after the boundary, i.e. belongs to the
// next page.
func (c Cursor) Before(p *Post) bool {
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.CreatedAt.Before(c.CreatedAt)
}

func CursorFor(p *Post) string {
	raw := p.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + p.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func ParseCursor(c string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return Cursor{}, ErrMalformedCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrMalformedCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, ErrMalformedCursor
	}
	return Cursor{CreatedAt: t, ID: id}, nil
}
