// Package routing remembers which contact was last used for a phone number,
// so that a later call from the same number resolves an ambiguous
// multi-contact match the way the user resolved it before.
package routing

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Contact is the accounting-side contact a number can resolve to.
type Contact struct {
	ID         string
	Name       string
	DataSource string
	Number     string
}

type entry struct {
	contactID string
	storedAt  time.Time
}

// Cache is a TTL-bounded number -> last-used-contact map. Expired entries
// are evicted by go-cache's background janitor.
type Cache struct {
	c     *gocache.Cache
	clock func() time.Time
}

// New creates a Cache whose entries live for ttl and are swept every
// sweepInterval.
func New(ttl, sweepInterval time.Duration) *Cache {
	return &Cache{
		c:     gocache.New(ttl, sweepInterval),
		clock: time.Now,
	}
}

// Remember stores contactID as the last contact used for the normalized
// number, overwriting any previous choice.
func (c *Cache) Remember(normalized, contactID string) {
	if normalized == "" || contactID == "" {
		return
	}
	c.c.Set(normalized, entry{contactID: contactID, storedAt: c.clock()}, gocache.DefaultExpiration)
}

// LastContactFor returns the remembered contact id for the number.
func (c *Cache) LastContactFor(normalized string) (string, bool) {
	v, ok := c.c.Get(normalized)
	if !ok {
		return "", false
	}
	return v.(entry).contactID, true
}

// Reorder moves the remembered contact for the number to the front of a
// multi-match slice, leaving the relative order of the rest intact. The
// input slice is returned unchanged when nothing is remembered or the
// remembered contact is not among the matches.
func (c *Cache) Reorder(normalized string, contacts []Contact) []Contact {
	if len(contacts) < 2 {
		return contacts
	}
	id, ok := c.LastContactFor(normalized)
	if !ok {
		return contacts
	}
	for i, contact := range contacts {
		if contact.ID != id {
			continue
		}
		out := make([]Contact, 0, len(contacts))
		out = append(out, contact)
		out = append(out, contacts[:i]...)
		out = append(out, contacts[i+1:]...)
		return out
	}
	return contacts
}

// Len reports the number of live entries, for diagnostics.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}
