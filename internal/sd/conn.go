package sd

// Conn is the engine-side record of one transport session: when it was
// established, the services and subscriptions registered during it, and
// whether it has been disconnected.
type Conn struct {
	remoteAddr     string
	connectedAt    float64
	disconnectedAt float64

	client   *Client
	services map[int64]*Service
	subs     map[int64]*Sub
}

func newConn(client *Client, remoteAddr string, now float64) *Conn {
	return &Conn{
		remoteAddr:     remoteAddr,
		connectedAt:    now,
		disconnectedAt: -1,
		client:         client,
		services:       make(map[int64]*Service),
		subs:           make(map[int64]*Sub),
	}
}

// IsConnected reports whether the connection is still active.
func (c *Conn) IsConnected() bool {
	return c.disconnectedAt < 0
}

// ConnectedAt returns the time the connection was established.
func (c *Conn) ConnectedAt() float64 { return c.connectedAt }

// DisconnectedAt returns the time the connection was marked disconnected.
func (c *Conn) DisconnectedAt() float64 { return c.disconnectedAt }

// RemoteAddr returns the peer's transport address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) markDisconnected(now float64) {
	if !c.IsConnected() {
		panic("sd: connection disconnected twice")
	}
	c.disconnectedAt = now
}

// IsStale reports whether the connection holds no more services and has
// been disconnected. Stale connections are destroyed.
func (c *Conn) IsStale() bool {
	return !c.IsConnected() && len(c.services) == 0
}

func (c *Conn) addService(id int64, service *Service) { c.services[id] = service }
func (c *Conn) delService(id int64)                   { delete(c.services, id) }
func (c *Conn) hasService(id int64) bool {
	_, ok := c.services[id]
	return ok
}

func (c *Conn) forEachService(fn func(id int64, service *Service) bool) {
	for id, service := range c.services {
		if !fn(id, service) {
			return
		}
	}
}

func (c *Conn) addSub(id int64, sub *Sub) { c.subs[id] = sub }
func (c *Conn) delSub(id int64)           { delete(c.subs, id) }
func (c *Conn) hasSub(id int64) bool {
	_, ok := c.subs[id]
	return ok
}

func (c *Conn) forEachSub(fn func(id int64, sub *Sub) bool) {
	for id, sub := range c.subs {
		if !fn(id, sub) {
			return
		}
	}
}

func (c *Conn) clearSubs() {
	c.subs = make(map[int64]*Sub)
}
