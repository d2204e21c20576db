package luteus

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/backlog"
	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/database"
)

type event interface{}

type eventUpstreamMessage struct {
	msg *irc.Message
	uc  *upstreamConn
}

type eventUpstreamConnectionError struct {
	net *network
	err error
}

type eventUpstreamConnected struct {
	uc *upstreamConn
}

type eventUpstreamDisconnected struct {
	uc *upstreamConn
}

type eventDownstreamMessage struct {
	msg *irc.Message
	dc  *downstreamConn
}

type eventDownstreamConnected struct {
	dc *downstreamConn
}

type eventDownstreamDisconnected struct {
	dc *downstreamConn
}

type eventTimer struct {
	t *loopTimer
	f func()
}

type eventStop struct{}

// loopTimer is a timer firing in the user goroutine. It must only be
// stopped from the user goroutine.
type loopTimer struct {
	t       *time.Timer
	group   *timerGroup
	stopped bool
}

func (lt *loopTimer) Stop() {
	if lt.stopped {
		return
	}
	lt.stopped = true
	lt.t.Stop()
	if lt.group != nil {
		delete(lt.group.timers, lt)
	}
}

// timerGroup holds the timers of a connection, so that they can be stopped
// at once when the connection goes away.
type timerGroup struct {
	u      *user
	timers map[*loopTimer]struct{}
}

func newTimerGroup(u *user) *timerGroup {
	return &timerGroup{u: u, timers: make(map[*loopTimer]struct{})}
}

func (tg *timerGroup) AfterFunc(d time.Duration, f func()) *loopTimer {
	var lt *loopTimer
	lt = tg.u.afterFunc(d, func() {
		delete(tg.timers, lt)
		f()
	})
	lt.group = tg
	tg.timers[lt] = struct{}{}
	return lt
}

func (tg *timerGroup) Stop() {
	for lt := range tg.timers {
		lt.Stop()
	}
}

type user struct {
	cfg    config.User
	srv    *Server
	logger Logger

	events chan event
	done   chan struct{}

	networks []*network
}

func newUser(srv *Server, cfg *config.User) *user {
	logger := newPrefixLogger(srv.Logger, "user %q: ", cfg.Name)

	return &user{
		cfg:    *cfg,
		srv:    srv,
		logger: logger,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// post sends an event to the user goroutine. It returns false if the user
// goroutine has stopped.
func (u *user) post(e event) bool {
	select {
	case u.events <- e:
		return true
	case <-u.done:
		return false
	}
}

func (u *user) afterFunc(d time.Duration, f func()) *loopTimer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		u.post(eventTimer{lt, f})
	})
	return lt
}

func (u *user) getNetwork(name string) *network {
	for _, net := range u.networks {
		if net.cfg.Name == name {
			return net
		}
	}
	return nil
}

func (u *user) forEachDownstream(f func(dc *downstreamConn)) {
	for _, net := range u.networks {
		net.forEachDownstream(f)
	}
}

func (u *user) newBacklogStore(netName string, logger Logger) backlog.Store {
	cfg := u.srv.Config().Backlog
	switch cfg.Driver {
	case "fs":
		return backlog.NewFSStore(cfg.Source, u.cfg.Name, netName, logger)
	default:
		return backlog.NewMemoryStore()
	}
}

func (u *user) loadNetwork(cfg *config.Network) (*network, error) {
	ctx := context.TODO()

	record := &database.Network{User: u.cfg.Name, Name: cfg.Name}
	if err := u.srv.db.StoreNetwork(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store network: %v", err)
	}

	channels, err := u.srv.db.ListChannels(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %v", err)
	}

	return newNetwork(u, cfg, record, channels), nil
}

func (u *user) run() {
	defer close(u.done)

	for i := range u.cfg.Networks {
		net, err := u.loadNetwork(&u.cfg.Networks[i])
		if err != nil {
			u.logger.Printf("failed to load network %q: %v", u.cfg.Networks[i].Name, err)
			continue
		}
		u.networks = append(u.networks, net)
		go net.run()
	}

	for e := range u.events {
		switch e := e.(type) {
		case eventUpstreamConnected:
			uc := e.uc
			if uc.network.isStopped() {
				uc.Close()
				break
			}
			uc.network.conn = uc
			uc.network.lastError = nil
			uc.register()
		case eventUpstreamConnectionError:
			net := e.net
			if !net.isStopped() && (net.lastError == nil || net.lastError.Error() != e.err.Error()) {
				net.forEachDownstream(func(dc *downstreamConn) {
					dc.sendNotice(fmt.Sprintf("Failed to connect to %v: %v", net.cfg.Name, e.err))
				})
			}
			net.lastError = e.err
		case eventUpstreamMessage:
			msg, uc := e.msg, e.uc
			if uc.isClosed() {
				uc.logger.Debugf("ignoring message on closed connection: %v", msg)
				break
			}
			if err := uc.handleMessage(msg); err != nil {
				uc.logger.Printf("failed to handle message %q: %v", msg.Command, err)
			}
		case eventUpstreamDisconnected:
			e.uc.network.handleUpstreamDisconnected(e.uc)
		case eventDownstreamConnected:
			dc := e.dc
			net := u.getNetwork(dc.networkName)
			if net == nil {
				dc.logger.Printf("network %q isn't running", dc.networkName)
				dc.sendNotice(fmt.Sprintf("Network %q is unavailable", dc.networkName))
				dc.Close()
				break
			}
			dc.network = net
			net.attach(dc)
		case eventDownstreamMessage:
			msg, dc := e.msg, e.dc
			if dc.isClosed() || dc.network == nil {
				dc.logger.Debugf("ignoring message on closed connection: %v", msg)
				break
			}
			err := dc.handleMessage(msg)
			if ircErr, ok := err.(ircError); ok {
				dc.sendIRCError(ircErr)
			} else if err != nil {
				dc.logger.Printf("failed to handle message %q: %v", msg.Command, err)
				dc.Close()
			}
		case eventDownstreamDisconnected:
			dc := e.dc
			if dc.network != nil {
				dc.network.detach(dc)
			}
			dc.timers.Stop()
		case eventTimer:
			if e.t.stopped {
				break
			}
			e.t.stopped = true
			e.f()
		case eventStop:
			for _, net := range u.networks {
				net.forEachDownstream(func(dc *downstreamConn) {
					dc.Close()
				})
				net.stop()
			}
			return
		default:
			panic(fmt.Sprintf("received unknown event type: %T", e))
		}
	}
}

// stop asks the user goroutine to stop and waits for it to exit.
func (u *user) stop() {
	u.post(eventStop{})
	<-u.done
}
