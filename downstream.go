package luteus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/auth"
	"git.sr.ht/~luteus/luteus/backlog"
	"git.sr.ht/~luteus/luteus/xirc"
)

var errAuthFailed = errors.New("authentication failed")

// pingCorrelator sends application-level PINGs on behalf of the backlog
// confirmer. Requests made before a PING is sent share that PING.
type pingCorrelator struct {
	dc       *downstreamConn
	pending  []func()
	timer    *loopTimer
	inflight map[string]*pingRequest
}

type pingRequest struct {
	callbacks []func()
	timeout   *loopTimer
}

func newPingCorrelator(dc *downstreamConn) *pingCorrelator {
	return &pingCorrelator{dc: dc, inflight: make(map[string]*pingRequest)}
}

func (pc *pingCorrelator) request(maxDelay time.Duration, f func()) {
	pc.pending = append(pc.pending, f)
	if pc.timer == nil {
		pc.timer = pc.dc.timers.AfterFunc(maxDelay, pc.send)
	}
}

func (pc *pingCorrelator) send() {
	token := randomToken(64)
	req := &pingRequest{callbacks: pc.pending}
	pc.pending = nil
	pc.timer = nil

	req.timeout = pc.dc.timers.AfterFunc(pingTimeout, func() {
		pc.dc.logger.Debugf("no answer to PING %q after %v", token, pingTimeout)
		delete(pc.inflight, token)
	})
	pc.inflight[token] = req

	pc.dc.SendMessage(&irc.Message{
		Command: "PING",
		Params:  []string{token},
	})
}

func (pc *pingCorrelator) handlePong(token string) {
	req, ok := pc.inflight[token]
	if !ok {
		return
	}
	delete(pc.inflight, token)
	req.timeout.Stop()
	// Most recent first: later requests cover earlier ones
	for i := len(req.callbacks) - 1; i >= 0; i-- {
		req.callbacks[i]()
	}
}

type downstreamConn struct {
	*conn

	id uint64

	// Set during registration, before the connection is handed to the user
	user        *user
	networkName string
	timers      *timerGroup
	pings       *pingCorrelator

	// Only set in the user goroutine
	network *network

	registered      bool
	negotiatingCaps bool
	nick            string
	username        string
	realname        string
	password        string

	// Channels this client is interested in
	wanted *xirc.CaseMap[struct{}]
}

func newDownstreamConn(srv *Server, ic ircConn, id uint64) *downstreamConn {
	remoteAddr := ic.RemoteAddr().String()
	logger := newPrefixLogger(srv.Logger, "downstream %q: ", remoteAddr)
	options := connOptions{Logger: logger}
	dc := &downstreamConn{
		conn:   newConn(srv, ic, &options),
		id:     id,
		nick:   "*",
		wanted: xirc.NewCaseMap[struct{}](xirc.CaseMappingDefault),
	}
	return dc
}

var _ backlog.Target = (*downstreamConn)(nil)

func (dc *downstreamConn) ID() uint64 {
	return dc.id
}

func (dc *downstreamConn) RequestPing(maxDelay time.Duration, f func()) {
	dc.pings.request(maxDelay, f)
}

// SendMessage queues a message for the client. Messages without a prefix
// are sent as coming from the bouncer.
func (dc *downstreamConn) SendMessage(msg *irc.Message) {
	if msg.Prefix == nil {
		msg = msg.Copy()
		msg.Prefix = dc.srv.prefix()
	}
	dc.srv.metrics.downstreamOutMessagesTotal.Inc()
	dc.conn.SendMessage(msg)
}

func (dc *downstreamConn) sendNotice(text string) {
	dc.SendMessage(&irc.Message{
		Prefix:  dc.srv.prefix(),
		Command: "NOTICE",
		Params:  []string{dc.nick, text},
	})
}

func (dc *downstreamConn) sendIRCError(err ircError) {
	msg := err.Message.Copy()
	msg.Prefix = dc.srv.prefix()
	if len(msg.Params) > 0 && msg.Params[0] == "*" {
		msg.Params[0] = dc.nick
	}
	dc.SendMessage(msg)
}

func (dc *downstreamConn) sendPasswdMismatch(text string) {
	dc.SendMessage(&irc.Message{
		Prefix:  dc.srv.prefix(),
		Command: irc.ERR_PASSWDMISMATCH,
		Params:  []string{dc.nick, text},
	})
}

// runUntilRegistered reads messages until the client is registered and
// authenticated. It runs in the connection goroutine.
func (dc *downstreamConn) runUntilRegistered() error {
	ctx, cancel := context.WithTimeout(context.TODO(), downstreamRegisterTimeout)
	defer cancel()

	// Close the connection with an error if the deadline is exceeded
	go func() {
		<-ctx.Done()
		if err := ctx.Err(); err == context.DeadlineExceeded {
			dc.SendMessage(&irc.Message{
				Prefix:  dc.srv.prefix(),
				Command: "ERROR",
				Params:  []string{"Connection registration timed out"},
			})
			dc.Close()
		}
	}()

	for !dc.registered {
		msg, err := dc.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read IRC command: %w", err)
		}
		dc.srv.metrics.downstreamInMessagesTotal.Inc()

		err = dc.handleMessageUnregistered(ctx, msg)
		if ircErr, ok := err.(ircError); ok {
			dc.sendIRCError(ircErr)
		} else if errors.Is(err, io.EOF) || errors.Is(err, errAuthFailed) {
			return err
		} else if err != nil {
			return fmt.Errorf("failed to handle IRC command %q: %v", msg, err)
		}
	}

	return nil
}

func (dc *downstreamConn) handleMessageUnregistered(ctx context.Context, msg *irc.Message) error {
	switch msg.Command {
	case "NICK":
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		if !isNickStart(nick) {
			return ircError{&irc.Message{
				Command: irc.ERR_ERRONEUSNICKNAME,
				Params:  []string{dc.nick, nick, "Erroneous nickname"},
			}}
		}
		dc.nick = nick
	case "USER":
		if err := parseMessageParams(msg, &dc.username, nil, nil, &dc.realname); err != nil {
			return err
		}
	case "PASS":
		if err := parseMessageParams(msg, &dc.password); err != nil {
			return err
		}
		if strings.Count(dc.password, ":") < 2 {
			dc.password = ""
			dc.sendPasswdMismatch("Invalid pass string; I want <netname>:<user>:<password>.")
		}
	case "CAP":
		var subCmd string
		if err := parseMessageParams(msg, &subCmd); err != nil {
			return err
		}
		if err := dc.handleCapCommand(strings.ToUpper(subCmd), msg.Params[1:]); err != nil {
			return err
		}
	case "PING":
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "PONG",
			Params:  append([]string{dc.srv.Config().Hostname}, msg.Params...),
		})
	case "QUIT":
		dc.Close()
		return io.EOF
	default:
		dc.logger.Debugf("unhandled message: %v", msg)
		return ircError{&irc.Message{
			Command: irc.ERR_NOTREGISTERED,
			Params:  []string{dc.nick, "You have not registered"},
		}}
	}

	if dc.nick != "*" && dc.username != "" && !dc.negotiatingCaps {
		return dc.authenticate(ctx)
	}
	return nil
}

func (dc *downstreamConn) handleCapCommand(subCmd string, args []string) error {
	switch subCmd {
	case "LS", "LIST":
		if !dc.registered && subCmd == "LS" {
			dc.negotiatingCaps = true
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "CAP",
			Params:  []string{dc.nick, subCmd, ""},
		})
	case "REQ":
		if len(args) == 0 {
			return newNeedMoreParamsError("CAP")
		}
		if !dc.registered {
			dc.negotiatingCaps = true
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "CAP",
			Params:  []string{dc.nick, "NAK", args[0]},
		})
	case "END":
		dc.negotiatingCaps = false
	default:
		return ircError{&irc.Message{
			Command: xirc.ERR_INVALIDCAPCMD,
			Params:  []string{dc.nick, subCmd, "Unknown CAP command"},
		}}
	}
	return nil
}

// authenticate checks the credentials sent with PASS. It runs in the
// connection goroutine.
func (dc *downstreamConn) authenticate(ctx context.Context) error {
	if dc.password == "" {
		dc.sendPasswdMismatch("No valid auth performed. Terminating connection.")
		dc.Close()
		return errAuthFailed
	}

	netName, rest, _ := strings.Cut(dc.password, ":")
	username, password, _ := strings.Cut(rest, ":")
	dc.password = ""

	u := dc.srv.getUser(username)
	if u == nil {
		dc.logger.Printf("failed authentication: unknown user %q", username)
		dc.sendPasswdMismatch("Auth failed.")
		dc.Close()
		return errAuthFailed
	}

	authenticator := dc.srv.Config().Auth
	if err := authenticator.AuthPlain(ctx, &u.cfg, password); err != nil {
		var authErr *auth.Error
		if !errors.As(err, &authErr) {
			dc.logger.Printf("failed authentication for %q: %v", username, err)
		} else {
			dc.logger.Printf("failed authentication for %q: %v", username, authErr.InternalErr)
		}
		dc.sendPasswdMismatch("Auth failed.")
		dc.Close()
		return errAuthFailed
	}

	if u.cfg.Network(netName) == nil {
		dc.logger.Printf("user %q has no network %q", username, netName)
		dc.sendPasswdMismatch("Unknown netname for this user.")
		dc.Close()
		return errAuthFailed
	}

	dc.user = u
	dc.networkName = netName
	dc.timers = newTimerGroup(u)
	dc.pings = newPingCorrelator(dc)
	dc.registered = true
	dc.logger.Printf("registration complete for user %q on network %q", username, netName)
	return nil
}

func (dc *downstreamConn) readMessages(u *user) error {
	for {
		msg, err := dc.ReadMessage()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		dc.srv.metrics.downstreamInMessagesTotal.Inc()
		if !u.post(eventDownstreamMessage{msg, dc}) {
			return nil
		}
	}
}

// handleMessage handles a message from a registered client. It runs in the
// user goroutine.
func (dc *downstreamConn) handleMessage(msg *irc.Message) error {
	switch msg.Command {
	case "PING":
		dc.SendMessage(&irc.Message{
			Prefix:  dc.srv.prefix(),
			Command: "PONG",
			Params:  append([]string{dc.srv.Config().Hostname}, msg.Params...),
		})
	case "PONG":
		if len(msg.Params) == 0 {
			return newNeedMoreParamsError(msg.Command)
		}
		dc.pings.handlePong(msg.Params[len(msg.Params)-1])
	case "QUIT":
		dc.logger.Printf("client quit")
		dc.Close()
	case "USER", "PASS":
		return ircError{&irc.Message{
			Command: irc.ERR_ALREADYREGISTERED,
			Params:  []string{dc.nick, "You may not reregister"},
		}}
	case "CAP":
		var subCmd string
		if err := parseMessageParams(msg, &subCmd); err != nil {
			return err
		}
		return dc.handleCapCommand(strings.ToUpper(subCmd), msg.Params[1:])
	default:
		return dc.network.handleClientMessage(dc, msg)
	}
	return nil
}
