package sd

import (
	"math"

	"github.com/Ericsson/tpaf/internal/props"
)

// NonOrphan is the orphan-since value of a service whose owner is
// connected.
const NonOrphan = -1

// Generation is a snapshot of a service at a point in time. A generation
// under construction is mutable through its setters; once committed into a
// service's current slot it is treated as immutable.
type Generation struct {
	number      int64
	props       *props.Props
	ttl         int64
	orphanSince float64
	clientID    int64
}

func newGeneration() *Generation {
	return &Generation{
		number:      -1,
		ttl:         -1,
		orphanSince: math.NaN(),
		clientID:    -1,
	}
}

func (g *Generation) clone() *Generation {
	return &Generation{
		number:      g.number,
		props:       g.props.Clone(),
		ttl:         g.ttl,
		orphanSince: g.orphanSince,
		clientID:    g.clientID,
	}
}

// isConsistent reports whether every field has been populated.
func (g *Generation) isConsistent() bool {
	return g.number >= 0 && g.props != nil && g.ttl >= 0 &&
		!math.IsNaN(g.orphanSince) && g.clientID >= 0
}

// Number returns the generation number.
func (g *Generation) Number() int64 { return g.number }

// Props returns the property bag. Callers must not modify it.
func (g *Generation) Props() *props.Props { return g.props }

// TTL returns the time-to-live in seconds.
func (g *Generation) TTL() int64 { return g.ttl }

// OrphanSince returns the engine clock time, in seconds, at which the
// service became orphan, or NonOrphan. The default engine clock is the wall
// clock (seconds since the Unix epoch), not a monotonic one.
func (g *Generation) OrphanSince() float64 { return g.orphanSince }

// ClientID returns the owning client's id.
func (g *Generation) ClientID() int64 { return g.clientID }

func (g *Generation) isOrphan() bool { return g.orphanSince >= 0 }

func (g *Generation) setNumber(number int64)     { g.number = number }
func (g *Generation) setTTL(ttl int64)           { g.ttl = ttl }
func (g *Generation) setOrphanSince(at float64)  { g.orphanSince = at }
func (g *Generation) setClientID(clientID int64) { g.clientID = clientID }

// setProps stores a private clone of p.
func (g *Generation) setProps(p *props.Props) {
	g.props = p.Clone()
}
