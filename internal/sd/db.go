package sd

// DB is the in-memory database: three indexes keyed by 63-bit identifier.
type DB struct {
	clients  map[int64]*Client
	services map[int64]*Service
	subs     map[int64]*Sub
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		clients:  make(map[int64]*Client),
		services: make(map[int64]*Service),
		subs:     make(map[int64]*Sub),
	}
}

func mustID(id int64) {
	if id < 0 {
		panic("sd: negative identifier")
	}
}

// HasClient reports whether a client with the given id exists.
func (db *DB) HasClient(id int64) bool {
	_, ok := db.clients[id]
	return ok
}

// GetClient returns the client with the given id, or nil.
func (db *DB) GetClient(id int64) *Client { return db.clients[id] }

// AddClient indexes a client.
func (db *DB) AddClient(id int64, client *Client) {
	mustID(id)
	db.clients[id] = client
}

// DelClient removes a client from the index.
func (db *DB) DelClient(id int64) {
	mustID(id)
	delete(db.clients, id)
}

// ForEachClient iterates over all clients, stopping early when fn returns
// false.
func (db *DB) ForEachClient(fn func(id int64, client *Client) bool) {
	for id, client := range db.clients {
		if !fn(id, client) {
			return
		}
	}
}

// HasService reports whether a service with the given id exists.
func (db *DB) HasService(id int64) bool {
	_, ok := db.services[id]
	return ok
}

// GetService returns the service with the given id, or nil.
func (db *DB) GetService(id int64) *Service { return db.services[id] }

// AddService indexes a service.
func (db *DB) AddService(id int64, service *Service) {
	mustID(id)
	db.services[id] = service
}

// DelService removes a service from the index.
func (db *DB) DelService(id int64) {
	mustID(id)
	delete(db.services, id)
}

// ForEachService iterates over all services, stopping early when fn
// returns false.
func (db *DB) ForEachService(fn func(id int64, service *Service) bool) {
	for id, service := range db.services {
		if !fn(id, service) {
			return
		}
	}
}

// HasSub reports whether a subscription with the given id exists.
func (db *DB) HasSub(id int64) bool {
	_, ok := db.subs[id]
	return ok
}

// GetSub returns the subscription with the given id, or nil.
func (db *DB) GetSub(id int64) *Sub { return db.subs[id] }

// AddSub indexes a subscription.
func (db *DB) AddSub(id int64, sub *Sub) {
	mustID(id)
	db.subs[id] = sub
}

// DelSub removes a subscription from the index.
func (db *DB) DelSub(id int64) {
	mustID(id)
	delete(db.subs, id)
}

// ForEachSub iterates over all subscriptions, stopping early when fn
// returns false.
func (db *DB) ForEachSub(fn func(id int64, sub *Sub) bool) {
	for id, sub := range db.subs {
		if !fn(id, sub) {
			return
		}
	}
}

// NumClients returns the number of indexed clients.
func (db *DB) NumClients() int { return len(db.clients) }

// NumServices returns the number of indexed services.
func (db *DB) NumServices() int { return len(db.services) }

// NumSubs returns the number of indexed subscriptions.
func (db *DB) NumSubs() int { return len(db.subs) }
