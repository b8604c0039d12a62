// Package sd implements the service-discovery engine: the in-memory
// graph of clients, connections, services and subscriptions, its change
// propagation and the orphan lifecycle.
//
// The engine is not safe for concurrent use by itself. All calls into it,
// including the orphan timer expiry callbacks, must be serialized by the
// lock supplied through WithLocker, mirroring the single-threaded reactor
// the protocol layer runs on.
package sd

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ericsson/tpaf/internal/filter"
	"github.com/Ericsson/tpaf/internal/props"
)

// timerSlack absorbs timer-granularity rounding so an expiry never fires
// observably before the orphan TTL has elapsed.
const timerSlack = 1e-3

// CancelFunc stops a scheduled timer.
type CancelFunc func()

// Engine is the service-discovery facade.
type Engine struct {
	db      *DB
	orphans map[int64]*orphanTimer

	now    func() float64
	after  func(delay time.Duration, fn func()) CancelFunc
	locker sync.Locker
	log    zerolog.Logger
	onReap func(serviceID int64)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source (seconds).
func WithClock(now func() float64) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAfterFunc overrides timer scheduling; primarily used in tests.
func WithAfterFunc(after func(delay time.Duration, fn func()) CancelFunc) Option {
	return func(e *Engine) {
		if after != nil {
			e.after = after
		}
	}
}

// WithLocker supplies the lock serializing all engine calls. Timer expiry
// callbacks take it before touching engine state.
func WithLocker(locker sync.Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithReapHook registers a callback invoked whenever an orphan service is
// purged on TTL expiry.
func WithReapHook(fn func(serviceID int64)) Option {
	return func(e *Engine) {
		e.onReap = fn
	}
}

func wallClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewEngine returns an empty engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		db:      NewDB(),
		orphans: make(map[int64]*orphanTimer),
		now:     wallClock,
		locker:  &sync.Mutex{},
		log:     zerolog.Nop(),
	}
	e.after = func(delay time.Duration, fn func()) CancelFunc {
		t := time.AfterFunc(delay, fn)
		return func() { t.Stop() }
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time in seconds.
func (e *Engine) Now() float64 {
	return e.now()
}

// ClientConnect attaches a client id to a fresh transport session. A
// client reconnecting while it still has an active connection is refused
// with ErrClientExists.
func (e *Engine) ClientConnect(clientID int64, remoteAddr string) error {
	client := e.db.GetClient(clientID)

	if client == nil {
		client = newClient(clientID, e.db)
		client.connect(remoteAddr, e.now())
		return nil
	}
	return client.reconnect(remoteAddr, e.now())
}

// ClientDisconnect tears down the client's active connection: its
// subscriptions are dropped and its services become orphans.
func (e *Engine) ClientDisconnect(clientID int64) error {
	client := e.db.GetClient(clientID)
	if client == nil {
		return ErrNoSuchClient
	}
	client.disconnect(e.now())
	return nil
}

// Publish creates or updates a service.
func (e *Engine) Publish(clientID, serviceID, generation int64,
	p *props.Props, ttl int64) error {

	client := e.db.GetClient(clientID)
	if client == nil {
		return ErrNoSuchClient
	}
	return client.publish(serviceID, generation, p, ttl, e.serviceChanged)
}

// Unpublish removes a service. A non-owner may unpublish; ownership is
// transferred (with a visible modification) before the removal.
func (e *Engine) Unpublish(clientID, serviceID int64) error {
	client := e.db.GetClient(clientID)
	if client == nil {
		return ErrNoSuchClient
	}
	return client.unpublish(serviceID)
}

// CreateSub installs a subscription without activating it. A nil filter
// matches everything.
func (e *Engine) CreateSub(clientID, subID int64, f filter.Filter,
	matchFn MatchFunc) error {

	client := e.db.GetClient(clientID)
	if client == nil {
		return ErrNoSuchClient
	}
	return client.createSub(subID, f, matchFn)
}

// ActivateSub replays the database to a newly installed subscription:
// every existing service is offered as appeared.
func (e *Engine) ActivateSub(clientID, subID int64) {
	client := e.db.GetClient(clientID)
	client.activateSub(subID)
}

// Unsubscribe removes a subscription owned by the client's active
// connection.
func (e *Engine) Unsubscribe(clientID, subID int64) error {
	client := e.db.GetClient(clientID)
	if client == nil {
		return ErrNoSuchClient
	}
	return client.unsubscribe(subID)
}

// ForEachClient iterates over all clients.
func (e *Engine) ForEachClient(fn func(id int64, client *Client) bool) {
	e.db.ForEachClient(fn)
}

// ForEachService iterates over the services matching f. A nil filter
// matches everything.
func (e *Engine) ForEachService(f filter.Filter,
	fn func(id int64, service *Service) bool) {

	e.db.ForEachService(func(id int64, service *Service) bool {
		if f != nil && !f.Matches(service.Props()) {
			return true
		}
		return fn(id, service)
	})
}

// ForEachSub iterates over all subscriptions.
func (e *Engine) ForEachSub(fn func(id int64, sub *Sub) bool) {
	e.db.ForEachSub(fn)
}

// NumClients returns the number of known clients.
func (e *Engine) NumClients() int { return e.db.NumClients() }

// NumServices returns the number of known services.
func (e *Engine) NumServices() int { return e.db.NumServices() }

// NumSubs returns the number of installed subscriptions.
func (e *Engine) NumSubs() int { return e.db.NumSubs() }

// serviceChanged runs inside every service commit and removal: the change
// is fanned out to all subscriptions, then the orphan timer bookkeeping is
// brought up to date.
func (e *Engine) serviceChanged(service *Service, change ChangeType) {
	e.db.ForEachSub(func(id int64, sub *Sub) bool {
		sub.Notify(change, service)
		return true
	})

	e.maintainOrphans(service, change)
}

type orphanTimer struct {
	serviceID int64
	cancelled bool
	stop      CancelFunc
}

func (e *Engine) installOrphanTimer(service *Service) {
	t := &orphanTimer{serviceID: service.ID()}

	delay := service.OrphanTimeLeft(e.now()) + timerSlack
	t.stop = e.after(time.Duration(delay*float64(time.Second)), func() {
		e.orphanExpired(t)
	})

	e.orphans[service.ID()] = t
}

func (e *Engine) dropOrphanTimer(serviceID int64) {
	t := e.orphans[serviceID]
	t.cancelled = true
	t.stop()
	delete(e.orphans, serviceID)
}

func (e *Engine) maintainOrphans(service *Service, change ChangeType) {
	switch change {
	case ChangeAdded:
		// Adding an orphan would be unusual, but possible.
		if service.IsOrphan() {
			e.installOrphanTimer(service)
		}
	case ChangeModified:
		isOrphan := service.IsOrphan()
		wasOrphan := service.WasOrphan()

		switch {
		case wasOrphan && !isOrphan:
			e.dropOrphanTimer(service.ID())
		case !wasOrphan && isOrphan:
			e.installOrphanTimer(service)
		case wasOrphan && isOrphan:
			e.dropOrphanTimer(service.ID())
			e.installOrphanTimer(service)
		}
	case ChangeRemoved:
		if service.WasOrphan() {
			e.dropOrphanTimer(service.ID())
		}
	default:
		panic("sd: change callback with invalid change type")
	}
}

// orphanExpired runs on the timer goroutine; it serializes with the rest
// of the engine through the configured locker.
func (e *Engine) orphanExpired(t *orphanTimer) {
	e.locker.Lock()
	defer e.locker.Unlock()

	if t.cancelled || e.orphans[t.serviceID] != t {
		return
	}

	service := e.db.GetService(t.serviceID)

	e.log.Debug().
		Int64("service", t.serviceID).
		Msg("Orphan service TTL elapsed; purging")

	client := e.db.GetClient(service.ClientID())
	client.purgeOrphan(t.serviceID)

	if e.onReap != nil {
		e.onReap(t.serviceID)
	}
}
