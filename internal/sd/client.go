package sd

import (
	"github.com/Ericsson/tpaf/internal/filter"
	"github.com/Ericsson/tpaf/internal/props"
)

// Client is the logical client identity: at most one active connection
// plus the disconnected connections still holding orphaned services.
type Client struct {
	id       int64
	db       *DB
	active   *Conn
	inactive []*Conn
}

func newClient(id int64, db *DB) *Client {
	return &Client{id: id, db: db}
}

// ID returns the client id.
func (c *Client) ID() int64 { return c.id }

// IsConnected reports whether the client has an active connection.
func (c *Client) IsConnected() bool { return c.active != nil }

// ConnConnectedAt returns the active connection's establishment time.
func (c *Client) ConnConnectedAt() float64 { return c.active.ConnectedAt() }

// ConnRemoteAddr returns the active connection's peer address.
func (c *Client) ConnRemoteAddr() string { return c.active.RemoteAddr() }

func (c *Client) forEachConn(fn func(conn *Conn) bool) {
	if c.active != nil && !fn(c.active) {
		return
	}
	for _, conn := range c.inactive {
		if !fn(conn) {
			return
		}
	}
}

// IsStale reports whether the client has no active connection and every
// inactive connection is stale. Stale clients are removed from the
// database.
func (c *Client) IsStale() bool {
	stale := true
	c.forEachConn(func(conn *Conn) bool {
		if !conn.IsStale() {
			stale = false
			return false
		}
		return true
	})
	return stale
}

func (c *Client) connect(remoteAddr string, now float64) {
	c.active = newConn(c, remoteAddr, now)
	c.db.AddClient(c.id, c)
}

func (c *Client) reconnect(remoteAddr string, now float64) error {
	if c.IsConnected() {
		return ErrClientExists
	}
	c.active = newConn(c, remoteAddr, now)
	return nil
}

func (c *Client) disconnect(now float64) {
	if !c.IsConnected() {
		panic("sd: disconnect of unconnected client")
	}

	inactivated := c.active
	c.active = nil

	inactivated.markDisconnected(now)

	// Subscriptions do not survive their connection.
	inactivated.forEachSub(func(id int64, sub *Sub) bool {
		c.db.DelSub(id)
		return true
	})
	inactivated.clearSubs()

	disconnectedAt := inactivated.DisconnectedAt()
	inactivated.forEachService(func(id int64, service *Service) bool {
		service.ModifyBegin()
		service.SetOrphanSince(disconnectedAt)
		service.Commit()
		return true
	})

	if !inactivated.IsStale() {
		c.inactive = append(c.inactive, inactivated)
	}

	if c.IsStale() {
		c.db.DelClient(c.id)
	}
}

func (c *Client) serviceConn(serviceID int64) *Conn {
	var found *Conn
	c.forEachConn(func(conn *Conn) bool {
		if conn.hasService(serviceID) {
			found = conn
			return false
		}
		return true
	})
	return found
}

// captureService moves a service from its current owner's connection to
// this client's active connection. A victim left without services or
// connections is removed.
func (c *Client) captureService(service *Service) {
	serviceID := service.ID()
	victim := c.db.GetClient(service.ClientID())
	victimConn := victim.serviceConn(serviceID)

	victimConn.delService(serviceID)

	if victimConn.IsStale() {
		victim.removeConn(victimConn)
	}
	if victim.IsStale() {
		c.db.DelClient(victim.id)
	}

	c.active.addService(serviceID, service)
}

func (c *Client) publish(serviceID, generation int64, p *props.Props,
	ttl int64, changeFn ChangeFunc) error {

	if !c.IsConnected() {
		panic("sd: publish by unconnected client")
	}

	service := c.db.GetService(serviceID)

	if service == nil {
		service = NewService(serviceID, changeFn)

		service.AddBegin()
		service.SetGeneration(generation)
		service.SetProps(p)
		service.SetTTL(ttl)
		service.SetNonOrphan()
		service.SetClientID(c.id)

		c.db.AddService(serviceID, service)
		c.active.addService(serviceID, service)

		service.Commit()

		return nil
	}

	changedClientID := service.ClientID() != c.id

	switch {
	case generation == service.Generation():
		if !p.Equal(service.Props()) || ttl != service.TTL() {
			return ErrSameGenerationButDifferent
		}

		if changedClientID {
			c.captureService(service)

			service.ModifyBegin()
			service.SetNonOrphan()
			service.SetClientID(c.id)
			service.Commit()
		} else if service.IsOrphan() {
			// The old parent is back; the service moves onto its
			// active connection.
			if !c.active.hasService(serviceID) {
				c.captureService(service)
			}

			service.ModifyBegin()
			service.SetNonOrphan()
			service.Commit()
		}
	case generation > service.Generation():
		if changedClientID || !c.active.hasService(serviceID) {
			c.captureService(service)
		}

		service.ModifyBegin()
		service.SetGeneration(generation)
		service.SetProps(p)
		service.SetTTL(ttl)
		service.SetNonOrphan()
		service.SetClientID(c.id)
		service.Commit()
	default:
		return ErrOldGeneration
	}

	return nil
}

func (c *Client) removeConn(conn *Conn) {
	for i, candidate := range c.inactive {
		if candidate == conn {
			c.inactive = append(c.inactive[:i], c.inactive[i+1:]...)
			return
		}
	}
}

func (c *Client) removeService(serviceID int64) {
	service := c.db.GetService(serviceID)
	conn := c.serviceConn(serviceID)

	conn.delService(serviceID)

	if conn.IsStale() {
		c.removeConn(conn)
	}

	if c.IsStale() {
		c.db.DelClient(c.id)
	}

	c.db.DelService(serviceID)

	service.Remove()
}

func (c *Client) unpublish(serviceID int64) error {
	if !c.IsConnected() {
		panic("sd: unpublish by unconnected client")
	}

	service := c.db.GetService(serviceID)
	if service == nil {
		return ErrNoSuchService
	}

	changedClientID := c.id != service.ClientID()
	isOrphan := service.IsOrphan()

	// A non-owner unpublish or an unpublish of an orphan service implies
	// a republish before the actual unpublish, to allow subscribers to
	// tell an unpublish apart from an orphan timeout.
	if changedClientID || isOrphan {
		if changedClientID {
			c.captureService(service)
		}

		service.ModifyBegin()
		service.SetNonOrphan()
		if changedClientID {
			service.SetClientID(c.id)
		}
		service.Commit()
	}

	c.removeService(serviceID)

	return nil
}

func (c *Client) createSub(subID int64, f filter.Filter, matchFn MatchFunc) error {
	if !c.IsConnected() {
		panic("sd: subscribe by unconnected client")
	}

	if c.db.HasSub(subID) {
		return ErrSubExists
	}

	sub := NewSub(subID, f, c.id, matchFn)

	c.active.addSub(subID, sub)
	c.db.AddSub(subID, sub)

	return nil
}

func (c *Client) activateSub(subID int64) {
	if !c.IsConnected() {
		panic("sd: subscription activation by unconnected client")
	}

	sub := c.db.GetSub(subID)

	c.db.ForEachService(func(id int64, service *Service) bool {
		sub.Notify(ChangeAdded, service)
		return true
	})
}

func (c *Client) unsubscribe(subID int64) error {
	if !c.IsConnected() {
		panic("sd: unsubscribe by unconnected client")
	}

	if !c.db.HasSub(subID) {
		return ErrNoSuchSub
	}

	if !c.active.hasSub(subID) {
		// The subscription exists, but belongs to some other client.
		return ErrPermissionDenied
	}

	c.active.delSub(subID)
	c.db.DelSub(subID)

	return nil
}

// purgeOrphan removes a service whose orphan TTL has elapsed. The owner
// may have reconnected in the meantime; unless it has re-published, the
// service is reaped all the same.
func (c *Client) purgeOrphan(serviceID int64) {
	service := c.db.GetService(serviceID)

	if service.ClientID() != c.id {
		panic("sd: orphan purge by non-owner")
	}

	c.removeService(serviceID)
}
