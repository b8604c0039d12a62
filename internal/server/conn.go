package server

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ericsson/tpaf/internal/filter"
	"github.com/Ericsson/tpaf/internal/proto"
	"github.com/Ericsson/tpaf/internal/sd"
	"github.com/Ericsson/tpaf/internal/transport"
)

// conn drives one transport session: a read loop parsing and dispatching
// requests, a write loop draining the outbound queue, and the engine-side
// bookkeeping of the session's streaming transactions.
//
// Request handling, subscription fan-out into subTAs and teardown all run
// under the server's reactor lock, which serializes every mutation of
// engine and connection state process-wide.
type conn struct {
	server *Server
	sock   transport.Socket
	out    *outQueue

	// log gains the client id on handshake; it is owned by the read
	// loop. wlog is the write loop's own immutable logger.
	log  zerolog.Logger
	wlog zerolog.Logger

	establishedAt time.Time

	// Reactor-lock guarded state.
	clientID    int64
	helloFailed bool
	termed      bool
	subTAs      map[int64]*proto.TA
}

func newConn(server *Server, sock transport.Socket) *conn {
	log := server.log.With().Str("remote", sock.RemoteAddr()).Logger()
	return &conn{
		server:        server,
		sock:          sock,
		out:           newOutQueue(server.cfg.SoftOutWireLimit),
		log:           log,
		wlog:          log,
		establishedAt: time.Now(),
		clientID:      -1,
		subTAs:        make(map[int64]*proto.TA),
	}
}

func (c *conn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *conn) handshakeDone() bool {
	return c.clientID >= 0
}

// readLoop receives and handles requests in batches, pausing while the
// outbound queue is at or above the soft wire limit.
func (c *conn) readLoop() {
	defer c.teardown()

	for {
		if !c.out.waitRoom() {
			return
		}

		for i := 0; i < c.server.cfg.MaxReceiveBatch; i++ {
			data, err := c.sock.Receive()
			if err != nil {
				if !errors.Is(err, transport.ErrClosed) {
					c.log.Info().Err(err).Msg("Receive error; closing connection")
				}
				return
			}

			if !c.handleRequest(data) {
				return
			}

			if c.out.len() >= c.server.cfg.SoftOutWireLimit {
				break
			}
		}
	}
}

// writeLoop sends queued responses in batches of up to MaxSendBatch.
func (c *conn) writeLoop() {
	for {
		batch, ok := c.out.popBatch(c.server.cfg.MaxSendBatch)
		if !ok {
			return
		}

		for _, msg := range batch {
			if err := c.sock.Send(msg); err != nil {
				c.wlog.Info().Err(err).Msg("Send error; closing connection")
				c.teardown()
				return
			}
			c.server.metrics.MessagesSent.Inc()
		}
	}
}

// teardown closes the connection and detaches it from the engine. Safe to
// call more than once and from any goroutine.
func (c *conn) teardown() {
	c.server.reactorMu.Lock()
	if !c.termed {
		c.termed = true

		if c.handshakeDone() {
			c.log.Debug().Int64("client", c.clientID).
				Msg("Tearing down protocol connection")
			_ = c.server.eng.ClientDisconnect(c.clientID)
		} else {
			c.log.Debug().Msg("Tearing down protocol connection for unknown client")
		}

		c.server.dropConn(c)
		c.out.close()
		_ = c.sock.Close()

		c.server.updateGauges()
	}
	c.server.reactorMu.Unlock()
}

func (c *conn) queue(msg []byte) {
	c.out.push(msg)
}

func (c *conn) fail(ta *proto.TA, reason string) {
	c.server.metrics.Failures.WithLabelValues(reason).Inc()
	c.queue(ta.Fail(reason))
}

// handleRequest parses and dispatches one request under the reactor lock.
// It reports false when the connection must be torn down: a malformed
// message, an unknown command, or a non-hello command before the
// handshake are peer violations answered by silent teardown.
func (c *conn) handleRequest(data []byte) bool {
	c.server.reactorMu.Lock()
	defer c.server.reactorMu.Unlock()

	if c.termed {
		return false
	}

	c.server.metrics.MessagesReceived.Inc()

	ta := proto.NewTA(c.log)
	if err := ta.Request(data); err != nil {
		return false
	}

	ok := true

	switch ta.Cmd() {
	case proto.CmdHello:
		ok = c.handleHello(ta)
	default:
		if !c.handshakeDone() {
			c.log.Info().Str("cmd", ta.Cmd()).
				Msg("Denied to issue non-hello command before finishing handshake")
			ok = false
			break
		}

		switch ta.Cmd() {
		case proto.CmdSubscribe:
			c.handleSubscribe(ta)
		case proto.CmdUnsubscribe:
			c.handleUnsubscribe(ta)
		case proto.CmdPublish:
			c.handlePublish(ta)
		case proto.CmdUnpublish:
			c.handleUnpublish(ta)
		case proto.CmdPing:
			c.handlePing(ta)
		case proto.CmdServices:
			c.handleServices(ta)
		case proto.CmdSubscriptions:
			c.handleSubscriptions(ta)
		case proto.CmdClients:
			c.handleClients(ta)
		default:
			panic("server: registered command without handler")
		}
	}

	c.server.updateGauges()

	return ok
}

func (c *conn) handleHello(ta *proto.TA) bool {
	clientID := ta.Uint63(proto.FieldClientID)
	minVersion := ta.Uint63(proto.FieldProtoMinVersion)
	maxVersion := ta.Uint63(proto.FieldProtoMaxVersion)

	if c.handshakeDone() {
		if c.clientID != clientID {
			c.log.Warn().Msg("Attempt to change client id denied")
			c.fail(ta, proto.FailReasonPermissionDenied)
		} else {
			// The range is not revalidated; the already-agreed
			// version is repeated.
			c.log.Debug().Msg("Received hello with handshake already completed")
			c.queue(ta.Complete(proto.Args{
				proto.FieldProtoVersion: proto.Version,
			}))
		}
		return true
	}

	// A connection whose hello has failed does not get another try;
	// the client must reconnect.
	if c.helloFailed {
		c.log.Info().Msg("Hello on connection with already-failed handshake")
		return false
	}

	if minVersion > proto.Version || maxVersion < proto.Version {
		c.log.Info().
			Int64("min", minVersion).
			Int64("max", maxVersion).
			Int64("supported", proto.Version).
			Msg("Client protocol version range does not include supported version")
		c.helloFailed = true
		c.fail(ta, proto.FailReasonUnsupportedVersion)
		return true
	}

	err := c.server.eng.ClientConnect(clientID, c.sock.RemoteAddr())
	if errors.Is(err, sd.ErrClientExists) {
		c.log.Info().Int64("client", clientID).Msg("Client already exists")
		c.helloFailed = true
		c.fail(ta, proto.FailReasonClientIDExists)
		return true
	}
	if err != nil {
		panic("server: unhandled client connect error: " + err.Error())
	}

	c.clientID = clientID
	c.log = c.log.With().Int64("client", clientID).Logger()

	c.log.Info().Int64("version", proto.Version).
		Msg("Connected using negotiated protocol version")

	c.queue(ta.Complete(proto.Args{
		proto.FieldProtoVersion: proto.Version,
	}))

	return true
}

// subMatch is the engine match callback for this connection's
// subscriptions. It runs inside service commit, under the reactor lock.
func (c *conn) subMatch(sub *sd.Sub, service *sd.Service, match sd.MatchType) {
	ta := c.subTAs[sub.ID()]

	args := proto.Args{
		proto.FieldMatchType: match,
		proto.FieldServiceID: service.ID(),
	}

	if match != sd.MatchDisappeared {
		args[proto.FieldGeneration] = service.Generation()
		args[proto.FieldServiceProps] = service.Props()
		args[proto.FieldTTL] = service.TTL()
		args[proto.FieldClientID] = service.ClientID()
		if service.IsOrphan() {
			args[proto.FieldOrphanSince] = service.OrphanSince()
		}
	}

	c.queue(ta.Notify(args))
}

func (c *conn) handleSubscribe(ta *proto.TA) {
	subID := ta.Uint63(proto.FieldSubscriptionID)

	var flt filter.Filter
	if filterS, hasFilter := ta.OptStr(proto.FieldFilter); hasFilter {
		var err error
		flt, err = filter.Parse(filterS)
		if err != nil {
			c.log.Info().Str("filter", filterS).
				Msg("Received subscription request with invalid filter")
			c.fail(ta, proto.FailReasonInvalidFilterSyntax)
			return
		}
	}

	err := c.server.eng.CreateSub(c.clientID, subID, flt, c.subMatch)
	if errors.Is(err, sd.ErrSubExists) {
		c.log.Info().Int64("sub", subID).Msg("Subscription already exists")
		c.fail(ta, proto.FailReasonSubscriptionIDExists)
		return
	}
	if err != nil {
		panic("server: unhandled subscribe error: " + err.Error())
	}

	c.log.Debug().Int64("sub", subID).Msg("Installed subscription")

	c.subTAs[subID] = ta

	c.queue(ta.Accept())

	c.server.eng.ActivateSub(c.clientID, subID)
}

func (c *conn) handleUnsubscribe(ta *proto.TA) {
	subID := ta.Uint63(proto.FieldSubscriptionID)

	err := c.server.eng.Unsubscribe(c.clientID, subID)

	switch {
	case errors.Is(err, sd.ErrNoSuchSub):
		c.log.Info().Int64("sub", subID).
			Msg("Attempt to unsubscribe non-existing subscription")
		c.fail(ta, proto.FailReasonNonExistentSubID)
	case errors.Is(err, sd.ErrPermissionDenied):
		c.log.Info().Int64("sub", subID).
			Msg("Permission to unsubscribe denied")
		c.fail(ta, proto.FailReasonPermissionDenied)
	case err == nil:
		c.log.Debug().Int64("sub", subID).Msg("Unsubscribed subscription")

		c.queue(ta.Complete(nil))

		subTA := c.subTAs[subID]
		delete(c.subTAs, subID)

		c.queue(subTA.Complete(nil))
	default:
		panic("server: unhandled unsubscribe error: " + err.Error())
	}
}

func (c *conn) handlePublish(ta *proto.TA) {
	serviceID := ta.Uint63(proto.FieldServiceID)
	generation := ta.Uint63(proto.FieldGeneration)
	serviceProps := ta.PropsField(proto.FieldServiceProps)
	ttl := ta.Uint63(proto.FieldTTL)

	err := c.server.eng.Publish(c.clientID, serviceID, generation, serviceProps, ttl)

	switch {
	case errors.Is(err, sd.ErrSameGenerationButDifferent):
		c.log.Info().Int64("service", serviceID).
			Msg("Service exists with same generation but different data")
		c.fail(ta, proto.FailReasonSameGenerationButDiff)
	case errors.Is(err, sd.ErrOldGeneration):
		c.log.Info().Int64("service", serviceID).
			Msg("Service already exists with a newer generation")
		c.fail(ta, proto.FailReasonOldGeneration)
	case err == nil:
		c.queue(ta.Complete(nil))
	default:
		panic("server: unhandled publish error: " + err.Error())
	}
}

func (c *conn) handleUnpublish(ta *proto.TA) {
	serviceID := ta.Uint63(proto.FieldServiceID)

	err := c.server.eng.Unpublish(c.clientID, serviceID)

	switch {
	case errors.Is(err, sd.ErrNoSuchService):
		c.log.Info().Int64("service", serviceID).
			Msg("Attempt to unpublish non-existing service")
		c.fail(ta, proto.FailReasonNonExistentServiceID)
	case err == nil:
		c.queue(ta.Complete(nil))
	default:
		panic("server: unhandled unpublish error: " + err.Error())
	}
}

func (c *conn) handlePing(ta *proto.TA) {
	c.queue(ta.Complete(nil))
}

func (c *conn) handleServices(ta *proto.TA) {
	var flt filter.Filter
	if filterS, hasFilter := ta.OptStr(proto.FieldFilter); hasFilter {
		var err error
		flt, err = filter.Parse(filterS)
		if err != nil {
			c.log.Info().Str("filter", filterS).
				Msg("Received services request with invalid filter")
			c.fail(ta, proto.FailReasonInvalidFilterSyntax)
			return
		}
	}

	c.queue(ta.Accept())

	c.server.eng.ForEachService(flt, func(id int64, service *sd.Service) bool {
		args := proto.Args{
			proto.FieldServiceID:    id,
			proto.FieldGeneration:   service.Generation(),
			proto.FieldServiceProps: service.Props(),
			proto.FieldTTL:          service.TTL(),
			proto.FieldClientID:     service.ClientID(),
		}
		if service.IsOrphan() {
			args[proto.FieldOrphanSince] = service.OrphanSince()
		}
		c.queue(ta.Notify(args))
		return true
	})

	c.queue(ta.Complete(nil))
}

func (c *conn) handleSubscriptions(ta *proto.TA) {
	c.queue(ta.Accept())

	c.server.eng.ForEachSub(func(id int64, sub *sd.Sub) bool {
		args := proto.Args{
			proto.FieldSubscriptionID: id,
			proto.FieldClientID:       sub.ClientID(),
		}
		if filterS, ok := sub.FilterString(); ok {
			args[proto.FieldFilter] = filterS
		}
		c.queue(ta.Notify(args))
		return true
	})

	c.queue(ta.Complete(nil))
}

func (c *conn) handleClients(ta *proto.TA) {
	c.queue(ta.Accept())

	c.server.eng.ForEachClient(func(id int64, client *sd.Client) bool {
		if !client.IsConnected() {
			return true
		}
		c.queue(ta.Notify(proto.Args{
			proto.FieldClientID:   id,
			proto.FieldClientAddr: client.ConnRemoteAddr(),
			proto.FieldTime:       int64(client.ConnConnectedAt()),
		}))
		return true
	})

	c.queue(ta.Complete(nil))
}
