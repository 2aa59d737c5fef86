// Package listing contains the core domain types for the classifieds notification service.
package listing

import "strings"

// seenDelimiter joins seen URLs in the persisted seen_urls field.
const seenDelimiter = ";"

// Detail is a single listing as shown on its own page.
// Every field except URL is optional; a missing price or image is a valid result.
type Detail struct {
	URL         string
	Title       string
	Description string
	Price       string // Display string, exactly as the site renders it
	Image       string // Absolute image URL
}

// Subscriber is a chat that receives notifications for new listings.
type Subscriber struct {
	ID   int64   // Chat id from the transport
	Seen SeenSet // Listings already classified, most recent first
}

// SeenSet is the sliding window of listing URLs already classified for one subscriber.
// In memory it is ordered most recent first.
type SeenSet []string

// Index returns a membership lookup for s.
func (s SeenSet) Index() map[string]struct{} {
	idx := make(map[string]struct{}, len(s))
	for _, u := range s {
		idx[u] = struct{}{}
	}
	return idx
}

// Equal reports whether both sets hold the same URLs in the same order.
func (s SeenSet) Equal(other SeenSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Encode serializes the set for storage. The on-disk order is oldest first,
// so the in-memory order is reversed.
func (s SeenSet) Encode() string {
	if len(s) == 0 {
		return ""
	}
	rev := make([]string, len(s))
	for i, u := range s {
		rev[len(s)-1-i] = u
	}
	return strings.Join(rev, seenDelimiter)
}

// DecodeSeenSet parses a persisted seen_urls value (oldest first) into a SeenSet
// (most recent first). Empty entries and repeated URLs are dropped.
func DecodeSeenSet(raw string) SeenSet {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, seenDelimiter)
	out := make(SeenSet, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		u := strings.TrimSpace(parts[i])
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
