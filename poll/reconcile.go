package poll

import "listing-notifier/pkg/listing"

// Plan is the outcome of comparing one feed snapshot with a subscriber's seen-set.
// Both slices keep feed order, most recent first.
type Plan struct {
	New     []string // Not in the seen-set; need a detail fetch and a notification
	Carried []string // Already seen and still on the feed
}

// Reconcile partitions the feed into new and carried-forward listings.
// The feed is de-duplicated (first occurrence wins) and bounded to the first n
// distinct URLs before classification; n <= 0 disables the bound.
// Classification is by membership only, order within seen is ignored.
func Reconcile(feed []string, seen listing.SeenSet, n int) Plan {
	idx := seen.Index()
	var plan Plan
	distinct := make(map[string]struct{}, len(feed))

	for _, u := range feed {
		if n > 0 && len(distinct) >= n {
			break
		}
		if u == "" {
			continue
		}
		if _, dup := distinct[u]; dup {
			continue
		}
		distinct[u] = struct{}{}

		if _, ok := idx[u]; ok {
			plan.Carried = append(plan.Carried, u)
		} else {
			plan.New = append(plan.New, u)
		}
	}

	return plan
}

// Empty reports whether the plan has nothing to notify.
func (p Plan) Empty() bool {
	return len(p.New) == 0
}

// NextSeen builds the seen-set to persist after the plan has been acted on.
//
// Order is: new URLs that now count as seen, then carried URLs, both in feed
// order, then entries of prev that fell off the feed. The result is truncated
// to n entries, so stale entries are the first to age out. URLs in withheld
// are left out and will classify as new on the next tick.
func (p Plan) NextSeen(prev listing.SeenSet, n int, withheld ...string) listing.SeenSet {
	skip := make(map[string]struct{}, len(withheld))
	for _, u := range withheld {
		skip[u] = struct{}{}
	}

	next := make(listing.SeenSet, 0, len(p.New)+len(p.Carried)+len(prev))
	added := make(map[string]struct{}, cap(next))
	add := func(u string) {
		if _, ok := skip[u]; ok {
			return
		}
		if _, ok := added[u]; ok {
			return
		}
		added[u] = struct{}{}
		next = append(next, u)
	}

	for _, u := range p.New {
		add(u)
	}
	for _, u := range p.Carried {
		add(u)
	}
	for _, u := range prev {
		add(u)
	}

	if n > 0 && len(next) > n {
		next = next[:n]
	}
	return next
}
