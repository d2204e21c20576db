package luteus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/irc.v4"
	"nhooyr.io/websocket"

	"git.sr.ht/~luteus/luteus/auth"
	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/database"
)

// TODO: make configurable
var (
	writeTimeout              = 10 * time.Second
	pingTimeout               = 60 * time.Second
	keepaliveInterval         = 32 * time.Second
	idleTimeout               = 64 * time.Second
	downstreamRegisterTimeout = 30 * time.Second
)

var errServerShutdown = errors.New("server is shutting down")

type Config struct {
	Hostname       string
	BouncerName    string
	MOTD           string
	HTTPOrigins    []string
	AcceptProxyIPs config.IPSet
	Backlog        config.Backlog
	Users          []config.User
	Auth           auth.PlainAuthenticator
}

type Server struct {
	Logger          Logger
	MetricsRegistry prometheus.Registerer // can be nil

	config atomic.Value // *Config
	db     database.Database
	stopWG sync.WaitGroup

	lastDownstreamID atomic.Uint64

	lock      sync.Mutex
	listeners map[net.Listener]struct{}
	users     map[string]*user
	started   bool
	shutdown  bool

	metrics struct {
		upstreams   atomic.Int64
		downstreams atomic.Int64

		upstreamOutMessagesTotal   prometheus.Counter
		upstreamInMessagesTotal    prometheus.Counter
		downstreamOutMessagesTotal prometheus.Counter
		downstreamInMessagesTotal  prometheus.Counter

		upstreamConnectErrorsTotal prometheus.Counter
	}
}

func NewServer(db database.Database) *Server {
	srv := &Server{
		Logger:    NewLogger(io.Discard, false),
		db:        db,
		listeners: make(map[net.Listener]struct{}),
		users:     make(map[string]*user),
	}
	srv.config.Store(&Config{
		Hostname:    "localhost",
		BouncerName: "luteus",
		Auth:        auth.NewInternal(),
	})

	srv.metrics.upstreamOutMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luteus_upstream_out_messages_total",
		Help: "Total number of outgoing messages sent to upstream servers",
	})
	srv.metrics.upstreamInMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luteus_upstream_in_messages_total",
		Help: "Total number of incoming messages received from upstream servers",
	})
	srv.metrics.downstreamOutMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luteus_downstream_out_messages_total",
		Help: "Total number of outgoing messages sent to downstream clients",
	})
	srv.metrics.downstreamInMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luteus_downstream_in_messages_total",
		Help: "Total number of incoming messages received from downstream clients",
	})
	srv.metrics.upstreamConnectErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "luteus_upstream_connect_errors_total",
		Help: "Total number of upstream connection errors",
	})
	return srv
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.Config().Hostname}
}

func (s *Server) Start() error {
	s.registerMetrics()

	s.lock.Lock()
	defer s.lock.Unlock()

	for i := range s.Config().Users {
		cfg := &s.Config().Users[i]
		s.addUserLocked(cfg)
	}
	s.started = true

	return nil
}

func (s *Server) registerMetrics() {
	if s.MetricsRegistry == nil {
		return
	}
	factory := promauto.With(s.MetricsRegistry)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "luteus_users_active",
		Help: "Current number of active users",
	}, func() float64 {
		s.lock.Lock()
		n := len(s.users)
		s.lock.Unlock()
		return float64(n)
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "luteus_downstreams_active",
		Help: "Current number of downstream connections",
	}, func() float64 {
		return float64(s.metrics.downstreams.Load())
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "luteus_upstreams_active",
		Help: "Current number of upstream connections",
	}, func() float64 {
		return float64(s.metrics.upstreams.Load())
	})

	s.MetricsRegistry.MustRegister(
		s.metrics.upstreamOutMessagesTotal,
		s.metrics.upstreamInMessagesTotal,
		s.metrics.downstreamOutMessagesTotal,
		s.metrics.downstreamInMessagesTotal,
		s.metrics.upstreamConnectErrorsTotal,
	)
}

func (s *Server) addUserLocked(cfg *config.User) *user {
	s.Logger.Printf("starting bouncer for user %q", cfg.Name)
	u := newUser(s, cfg)
	s.users[u.cfg.Name] = u

	s.stopWG.Add(1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				s.Logger.Printf("panic serving user %q: %v\n%v", u.cfg.Name, err, string(debug.Stack()))
			}

			s.lock.Lock()
			if s.users[u.cfg.Name] == u {
				delete(s.users, u.cfg.Name)
			}
			s.lock.Unlock()

			s.stopWG.Done()
		}()

		u.run()
	}()

	return u
}

// SetConfig replaces the server configuration. Users whose configuration
// changed are restarted.
func (s *Server) SetConfig(cfg *Config) {
	s.config.Store(cfg)

	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return
	}

	var stale []*user
	seen := make(map[string]bool)
	for i := range cfg.Users {
		ucfg := &cfg.Users[i]
		seen[ucfg.Name] = true
		if u, ok := s.users[ucfg.Name]; ok {
			if reflect.DeepEqual(&u.cfg, ucfg) {
				continue
			}
			stale = append(stale, u)
			delete(s.users, ucfg.Name)
		}
	}
	for name, u := range s.users {
		if !seen[name] {
			stale = append(stale, u)
			delete(s.users, name)
		}
	}
	s.lock.Unlock()

	// user.stop must be called without holding s.lock
	for _, u := range stale {
		s.Logger.Printf("stopping bouncer for user %q", u.cfg.Name)
		u.stop()
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.shutdown {
		return
	}
	for i := range cfg.Users {
		ucfg := &cfg.Users[i]
		if _, ok := s.users[ucfg.Name]; !ok {
			s.addUserLocked(ucfg)
		}
	}
}

func (s *Server) Config() *Config {
	return s.config.Load().(*Config)
}

func (s *Server) Shutdown() {
	s.Logger.Printf("shutting down server")

	s.lock.Lock()
	s.shutdown = true
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.Logger.Printf("failed to stop listener: %v", err)
		}
	}
	users := make([]*user, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.lock.Unlock()

	for _, u := range users {
		u.stop()
	}

	s.stopWG.Wait()

	if err := s.db.Close(); err != nil {
		s.Logger.Printf("failed to close DB: %v", err)
	}
}

func (s *Server) getUser(name string) *user {
	s.lock.Lock()
	u := s.users[name]
	s.lock.Unlock()
	return u
}

func (s *Server) isShutdown() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.shutdown
}

// Handle serves a client connection until it's closed.
func (s *Server) Handle(ic ircConn) {
	defer func() {
		if err := recover(); err != nil {
			s.Logger.Printf("panic serving downstream %q: %v\n%v", ic.RemoteAddr(), err, string(debug.Stack()))
		}
	}()

	s.metrics.downstreams.Add(1)
	defer s.metrics.downstreams.Add(-1)

	id := s.lastDownstreamID.Add(1)
	dc := newDownstreamConn(s, ic, id)
	defer dc.Close()

	if s.isShutdown() {
		dc.SendMessage(&irc.Message{
			Command: "ERROR",
			Params:  []string{"Server is shutting down"},
		})
		return
	}

	if err := dc.runUntilRegistered(); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, errAuthFailed) {
			dc.logger.Debugf("registration aborted: %v", err)
		} else {
			dc.logger.Printf("%v", err)
		}
		return
	}

	u := dc.user
	if !u.post(eventDownstreamConnected{dc}) {
		dc.logger.Printf("user %q is gone: %v", u.cfg.Name, errServerShutdown)
		return
	}
	if err := dc.readMessages(u); err != nil {
		dc.logger.Printf("%v", err)
	}
	u.post(eventDownstreamDisconnected{dc})
}

// retryListener retries Accept on temporary errors, with an exponential
// backoff.
type retryListener struct {
	net.Listener
	Logger Logger

	backoff acceptDelay
}

func (ln *retryListener) Accept() (net.Conn, error) {
	ln.backoff.Reset()
	for {
		conn, err := ln.Listener.Accept()
		if ne, ok := err.(net.Error); ok && ne.Temporary() {
			delay := ln.backoff.Next()
			if ln.Logger != nil {
				ln.Logger.Printf("accept error (retrying in %v): %v", delay, err)
			}
			time.Sleep(delay)
		} else {
			return conn, err
		}
	}
}

func (s *Server) Serve(ln net.Listener, handler func(ircConn)) error {
	ln = &retryListener{
		Listener: ln,
		Logger:   newPrefixLogger(s.Logger, "listener %v: ", ln.Addr()),
		backoff:  acceptDelay{min: 5 * time.Millisecond, max: time.Second},
	}

	s.lock.Lock()
	if s.shutdown {
		s.lock.Unlock()
		ln.Close()
		return errServerShutdown
	}
	s.listeners[ln] = struct{}{}
	s.stopWG.Add(1)
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.listeners, ln)
		s.lock.Unlock()

		s.stopWG.Done()
	}()

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			// Listening socket has been closed
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		go handler(newNetIRCConn(conn))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols:   []string{"text.ircv3.net"},
		OriginPatterns: s.Config().HTTPOrigins,
	})
	if err != nil {
		s.Logger.Printf("failed to serve HTTP connection: %v", err)
		return
	}

	isProxy := false
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			isProxy = s.Config().AcceptProxyIPs.Contains(ip)
		}
	}

	// Only trust the X-Forwarded-* header fields if this is a trusted proxy
	// IP to prevent users from spoofing the remote address
	remoteAddr := req.RemoteAddr
	if isProxy {
		forwardedHost := req.Header.Get("X-Forwarded-For")
		forwardedPort := req.Header.Get("X-Forwarded-Port")
		if forwardedHost != "" && forwardedPort != "" {
			remoteAddr = net.JoinHostPort(forwardedHost, forwardedPort)
		} else if forwardedHost != "" {
			remoteAddr = forwardedHost
		}
	}

	s.Handle(newWebsocketIRCConn(conn, remoteAddr))
}
