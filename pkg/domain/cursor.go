package domain

import "time"

// Cursor is the known boundary of already harvested items of a channel.
// OldestSeen <= NewestSeen whenever both are set.
type Cursor struct {
	OldestSeen *time.Time
	NewestSeen *time.Time
}

// Advance returns the boundaries that would extend c given the publish
// times of freshly inserted items. A nil return means that side must not be
// written. Cursors only grow outward, so concurrent completions in any order
// converge on the same result.
func (c Cursor) Advance(oldest, newest *time.Time) (newOldest, newNewest *time.Time) {
	if oldest != nil && (c.OldestSeen == nil || oldest.Before(*c.OldestSeen)) {
		t := *oldest
		newOldest = &t
	}
	if newest != nil && (c.NewestSeen == nil || newest.After(*c.NewestSeen)) {
		t := *newest
		newNewest = &t
	}
	return newOldest, newNewest
}

// Merge applies Advance to c and returns the resulting cursor.
func (c Cursor) Merge(oldest, newest *time.Time) Cursor {
	o, n := c.Advance(oldest, newest)
	if o != nil {
		c.OldestSeen = o
	}
	if n != nil {
		c.NewestSeen = n
	}
	return c
}

// Span tracks the min and max of a sequence of timestamps.
type Span struct {
	Oldest *time.Time
	Newest *time.Time
}

// Observe widens the span to include t. Zero times are ignored.
func (s *Span) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if s.Oldest == nil || t.Before(*s.Oldest) {
		v := t
		s.Oldest = &v
	}
	if s.Newest == nil || t.After(*s.Newest) {
		v := t
		s.Newest = &v
	}
}

// Empty reports whether nothing was observed.
func (s Span) Empty() bool {
	return s.Oldest == nil
}
