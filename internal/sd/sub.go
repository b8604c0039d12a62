package sd

import (
	"fmt"

	"github.com/Ericsson/tpaf/internal/filter"
	"github.com/Ericsson/tpaf/internal/props"
)

// MatchType classifies a subscription match event.
type MatchType int

const (
	MatchAppeared MatchType = iota
	MatchModified
	MatchDisappeared
)

func (t MatchType) String() string {
	switch t {
	case MatchAppeared:
		return "appeared"
	case MatchModified:
		return "modified"
	case MatchDisappeared:
		return "disappeared"
	default:
		return fmt.Sprintf("match-type(%d)", int(t))
	}
}

// ParseMatchType maps a wire-form match type onto its enum.
func ParseMatchType(s string) (MatchType, bool) {
	switch s {
	case "appeared":
		return MatchAppeared, true
	case "modified":
		return MatchModified, true
	case "disappeared":
		return MatchDisappeared, true
	default:
		return 0, false
	}
}

// MatchFunc receives differential match events for one subscription.
type MatchFunc func(sub *Sub, service *Service, match MatchType)

// Sub is a standing subscription: a filter, its owner, and a match
// callback. A nil filter matches every service.
type Sub struct {
	id       int64
	filter   filter.Filter
	clientID int64
	matchFn  MatchFunc
}

// NewSub creates a subscription owned by clientID.
func NewSub(id int64, f filter.Filter, clientID int64, matchFn MatchFunc) *Sub {
	return &Sub{id: id, filter: f, clientID: clientID, matchFn: matchFn}
}

// ID returns the subscription id.
func (sub *Sub) ID() int64 { return sub.id }

// ClientID returns the owning client's id.
func (sub *Sub) ClientID() int64 { return sub.clientID }

// Filter returns the subscription filter, or nil.
func (sub *Sub) Filter() filter.Filter { return sub.filter }

// FilterString returns the canonical filter form, or false for a
// filterless subscription.
func (sub *Sub) FilterString() (string, bool) {
	if sub.filter == nil {
		return "", false
	}
	return sub.filter.String(), true
}

func (sub *Sub) matches(p *props.Props) bool {
	return sub.filter == nil || sub.filter.Matches(p)
}

// Notify translates a committed service change into a differential match
// event, comparing the filter against the before and after property bags.
func (sub *Sub) Notify(change ChangeType, service *Service) {
	switch change {
	case ChangeAdded:
		if sub.matches(service.Props()) {
			sub.matchFn(sub, service, MatchAppeared)
		}
	case ChangeModified:
		before := service.Prev().Props()
		after := service.Props()

		matchesBefore := sub.matches(before)
		matchesAfter := sub.matches(after)

		var match MatchType
		switch {
		case !matchesBefore && !matchesAfter:
			return
		case matchesBefore && matchesAfter:
			match = MatchModified
		case !matchesBefore && matchesAfter:
			match = MatchAppeared
		default:
			match = MatchDisappeared
		}

		sub.matchFn(sub, service, match)
	case ChangeRemoved:
		if sub.matches(service.Prev().Props()) {
			sub.matchFn(sub, service, MatchDisappeared)
		}
	default:
		panic(fmt.Sprintf("sd: Notify with change type %v", change))
	}
}
