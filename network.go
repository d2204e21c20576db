package luteus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/backlog"
	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/database"
	"git.sr.ht/~luteus/luteus/xirc"
)

const (
	connectTimeout      = 30 * time.Second
	upstreamLinkTimeout = 30 * time.Second
)

// serverPicker hands out the servers of a network by descending preference,
// in a round-robin fashion.
type serverPicker struct {
	servers []config.ServerAddr
	next    int
}

func newServerPicker(servers []config.ServerAddr) *serverPicker {
	l := append([]config.ServerAddr(nil), servers...)
	sort.SliceStable(l, func(i, j int) bool {
		return l[i].Preference > l[j].Preference
	})
	return &serverPicker{servers: l}
}

func (sp *serverPicker) Pick() config.ServerAddr {
	addr := sp.servers[sp.next]
	sp.next = (sp.next + 1) % len(sp.servers)
	return addr
}

// Reset makes the next Pick return the preferred server again.
func (sp *serverPicker) Reset() {
	sp.next = 0
}

// nickPicker hands out the configured nicknames, then random ones.
type nickPicker struct {
	nicks []string
	next  int
}

func (np *nickPicker) Pick() string {
	if np.next < len(np.nicks) {
		nick := np.nicks[np.next]
		np.next++
		return nick
	}
	return randomToken(32)
}

// upstreamMessage is an upstream message delivered to broadcast listeners.
type upstreamMessage struct {
	Msg  *irc.Message
	Conn *upstreamConn
	// Channels where the sender of a NICK or QUIT was a member
	Channels []string
	// Set for messages received before the link finished
	Burst bool
	// Backlog records written for the message
	Recorded []*backlog.Appended
}

// outgoingMessage is a client message forwarded to the upstream server.
type outgoingMessage struct {
	Msg    *irc.Message
	Origin *downstreamConn
	// Backlog records written for the message
	Recorded []*backlog.Appended
}

type network struct {
	cfg     config.Network
	record  database.Network
	user    *user
	logger  Logger
	stopped chan struct{}
	servers *serverPicker

	conn        *upstreamConn
	lastError   error
	downstreams []*downstreamConn

	// Channels to join when the connection is linked
	channels *xirc.CaseMap[*database.Channel]
	// Keys of channels clients asked to join
	pendingKeys *xirc.CaseMap[string]
	away        string

	recorder  *backlog.Recorder
	confirmer *backlog.Confirmer
	formatter *backlog.Formatter

	broadcast *listenerList[*upstreamMessage]
	outgoing  *listenerList[*outgoingMessage]
	linked    *listenerList[*upstreamConn]
	shutdown  *listenerList[*upstreamConn]
	chanJoin  *listenerList[*upstreamChannel]
	chanLeave *listenerList[*upstreamChannel]
}

func newNetwork(u *user, cfg *config.Network, record *database.Network, channels []database.Channel) *network {
	logger := newPrefixLogger(u.logger, "network %q: ", cfg.Name)

	m := xirc.NewCaseMap[*database.Channel](xirc.CaseMappingDefault)
	for _, ch := range channels {
		ch := ch
		m.Set(ch.Name, &ch)
	}

	srvCfg := u.srv.Config()
	store := u.newBacklogStore(cfg.Name, logger)
	filter := &backlog.Filter{
		DropServers:      cfg.LogFilter.DropServers,
		DropOutgoingCTCP: cfg.LogFilter.DropOutgoingCTCP,
		Nicks:            cfg.LogFilter.Nicks,
		Sources:          cfg.LogFilter.Sources,
	}

	net := &network{
		cfg:         *cfg,
		record:      *record,
		user:        u,
		logger:      logger,
		stopped:     make(chan struct{}),
		servers:     newServerPicker(cfg.Servers),
		channels:    m,
		pendingKeys: xirc.NewCaseMap[string](xirc.CaseMappingDefault),
		away:        cfg.Away,
		recorder:    backlog.NewRecorder(store, filter, logger),
		confirmer:   backlog.NewConfirmer(store, logger, srvCfg.Backlog.MaxRecords),
		formatter:   &backlog.Formatter{ServerName: srvCfg.Hostname},
		broadcast:   newListenerList[*upstreamMessage]("broadcast", logger),
		outgoing:    newListenerList[*outgoingMessage]("outgoing", logger),
		linked:      newListenerList[*upstreamConn]("linked", logger),
		shutdown:    newListenerList[*upstreamConn]("shutdown", logger),
		chanJoin:    newListenerList[*upstreamChannel]("channel join", logger),
		chanLeave:   newListenerList[*upstreamChannel]("channel leave", logger),
	}
	net.registerBNC()
	net.registerPersistence()
	return net
}

func (net *network) isStopped() bool {
	select {
	case <-net.stopped:
		return true
	default:
		return false
	}
}

func (net *network) forEachDownstream(f func(*downstreamConn)) {
	for _, dc := range net.downstreams {
		f(dc)
	}
}

// linkedConn returns the upstream connection if it's linked, nil otherwise.
func (net *network) linkedConn() *upstreamConn {
	if net.conn == nil || !net.conn.linked.Load() {
		return nil
	}
	return net.conn
}

func (net *network) casemap(name string) string {
	if net.conn != nil {
		return net.conn.casemap(name)
	}
	return xirc.CaseMappingDefault(name)
}

func dialServer(logger Logger, addr config.ServerAddr) (net.Conn, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	if addr.Bind != "" {
		ip := net.ParseIP(addr.Bind)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind address %q", addr.Bind)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	logger.Printf("connecting to server at address %q", addr.Addr)
	c, err := dialer.Dial("tcp", addr.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %v", addr.Addr, err)
	}

	if addr.TLS {
		host, _, _ := net.SplitHostPort(addr.Addr)
		c = tls.Client(c, &tls.Config{
			ServerName: host,
			NextProtos: []string{"irc"},
		})
	}
	return c, nil
}

// run connects to the network until it's stopped. It runs in its own
// goroutine and only communicates with the user goroutine through events.
func (net *network) run() {
	var lastTry time.Time
	for {
		if net.isStopped() {
			return
		}

		delay := net.cfg.ReconnectDelay
		if dur := time.Since(lastTry); dur < delay {
			delay -= dur
			net.logger.Printf("waiting %v before trying to reconnect", delay.Truncate(time.Second))
			select {
			case <-time.After(delay):
			case <-net.stopped:
				return
			}
		}
		lastTry = time.Now()

		addr := net.servers.Pick()
		netConn, err := dialServer(net.logger, addr)
		if err != nil {
			net.logger.Printf("failed to connect: %v", err)
			net.user.srv.metrics.upstreamConnectErrorsTotal.Inc()
			if !net.user.post(eventUpstreamConnectionError{net, err}) {
				return
			}
			continue
		}

		uc := newUpstreamConn(net, netConn, addr)
		if !net.user.post(eventUpstreamConnected{uc}) {
			uc.Close()
			return
		}

		net.user.srv.metrics.upstreams.Add(1)
		if err := uc.readMessages(net.user); err != nil {
			uc.logger.Printf("failed to handle messages: %v", err)
		}
		uc.Close()
		net.user.srv.metrics.upstreams.Add(-1)

		if uc.linked.Load() {
			net.servers.Reset()
		}

		if !net.user.post(eventUpstreamDisconnected{uc}) {
			return
		}
	}
}

// stop closes the upstream connection and the backlog. It must be called
// from the user goroutine.
func (net *network) stop() {
	if !net.isStopped() {
		close(net.stopped)
	}

	if net.conn != nil {
		net.conn.Close()
	}

	if err := net.recorder.Close(); err != nil {
		net.logger.Printf("failed to close backlog: %v", err)
	}
}

func (net *network) handleUpstreamDisconnected(uc *upstreamConn) {
	uc.timers.Stop()
	uc.queries.Abort()

	if net.conn != uc {
		return
	}

	if uc.linked.Load() {
		net.shutdown.Fire(uc)
	}
	net.conn = nil
}

func (net *network) updateCasemapping(cm xirc.CaseMapping) {
	net.channels.SetCaseMapping(cm)
	net.pendingKeys.SetCaseMapping(cm)
	net.forEachDownstream(func(dc *downstreamConn) {
		dc.wanted.SetCaseMapping(cm)
	})
}

// registerPersistence keeps the database in sync with the channels joined
// on the network.
func (net *network) registerPersistence() {
	net.chanJoin.Register(0, func(uch *upstreamChannel) (listenerResult, error) {
		key, _ := net.pendingKeys.Get(uch.Name)
		net.pendingKeys.Del(uch.Name)

		ch, ok := net.channels.Get(uch.Name)
		if ok && (key == "" || ch.Key == key) {
			return listenerContinue, nil
		}
		if !ok {
			ch = &database.Channel{Name: uch.Name}
			net.channels.Set(uch.Name, ch)
		}
		if key != "" {
			ch.Key = key
		}
		if err := net.user.srv.db.StoreChannel(context.TODO(), net.record.ID, ch); err != nil {
			return listenerContinue, fmt.Errorf("failed to store channel %q: %v", uch.Name, err)
		}
		return listenerContinue, nil
	})

	net.chanLeave.Register(0, func(uch *upstreamChannel) (listenerResult, error) {
		if err := net.recorder.Reset(context.TODO(), uch.Name, uch.snapshot()); err != nil {
			net.logger.Printf("failed to reset backlog of channel %q: %v", uch.Name, err)
		}

		ch, ok := net.channels.Get(uch.Name)
		if !ok {
			return listenerContinue, nil
		}
		net.channels.Del(uch.Name)
		if err := net.user.srv.db.DeleteChannel(context.TODO(), ch.ID); err != nil {
			return listenerContinue, fmt.Errorf("failed to delete channel %q: %v", uch.Name, err)
		}
		return listenerContinue, nil
	})
}
