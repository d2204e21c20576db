package luteus

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/backlog"
	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/xirc"
)

type upstreamChannel struct {
	Name       string
	conn       *upstreamConn
	// Topic is only meaningful if TopicKnown is set; an empty Topic then
	// means no topic is set
	Topic      string
	TopicKnown bool
	Status     xirc.ChannelStatus
	modes      map[byte]string
	Members    *xirc.CaseMap[*xirc.MembershipSet]

	// Members received so far in a RPL_NAMREPLY burst
	pendingMembers *xirc.CaseMap[*xirc.MembershipSet]
}

// memberList returns the members with their highest rank prefix.
func (uch *upstreamChannel) memberList() []string {
	l := make([]string, 0, uch.Members.Len())
	uch.Members.ForEach(func(nick string, ms *xirc.MembershipSet) {
		l = append(l, ms.Format(false)+nick)
	})
	return l
}

func (uch *upstreamChannel) snapshot() *backlog.Snapshot {
	return &backlog.Snapshot{
		Topic:      uch.Topic,
		TopicKnown: uch.TopicKnown,
		Members:    uch.memberList(),
	}
}

type upstreamConn struct {
	*conn

	network *network
	user    *user
	addr    config.ServerAddr
	timers  *timerGroup
	queries *queryCorrelator

	// Set once the MOTD has been received, read by the network goroutine
	linked     atomic.Bool
	linkTimer  *loopTimer
	registered bool
	peer       string
	nick       string
	nicks      nickPicker
	modes      modeSet
	away       bool
	motd       []string

	isupport  *xirc.ISupport
	casemap   xirc.CaseMapping
	chanModes *xirc.ChannelModes
	channels  *xirc.CaseMap[*upstreamChannel]

	caps        xirc.CapRegistry
	saslClient  sasl.Client
	saslStarted bool

	keepaliveToken string
	lastRead       time.Time
}

func newUpstreamConn(network *network, c net.Conn, addr config.ServerAddr) *upstreamConn {
	logger := newPrefixLogger(network.logger, "upstream %q: ", addr.Addr)
	options := connOptions{
		Logger:         logger,
		RateLimitDelay: network.cfg.SendInterval,
		RateLimitBurst: network.cfg.SendBurst,
	}

	uc := &upstreamConn{
		conn:      newConn(network.user.srv, newNetIRCConn(c), &options),
		network:   network,
		user:      network.user,
		addr:      addr,
		timers:    newTimerGroup(network.user),
		nicks:     nickPicker{nicks: network.cfg.Nicks},
		isupport:  xirc.NewISupport(),
		casemap:   xirc.CaseMappingDefault,
		chanModes: xirc.NewChannelModes(),
		channels:  xirc.NewCaseMap[*upstreamChannel](xirc.CaseMappingDefault),
		caps:      xirc.NewCapRegistry(),
		lastRead:  time.Now(),
	}
	uc.queries = newQueryCorrelator(uc.SendMessage, func() xirc.CaseMapping {
		return uc.casemap
	})
	return uc
}

func (uc *upstreamConn) isChannel(name string) bool {
	return uc.isupport.IsChannel(name)
}

func (uc *upstreamConn) isOurNick(nick string) bool {
	return uc.casemap(nick) == uc.casemap(uc.nick)
}

func (uc *upstreamConn) getChannel(msg *irc.Message, name string) (*upstreamChannel, error) {
	ch, ok := uc.channels.Get(name)
	if !ok {
		return nil, newProtocolError(msg, "unknown channel %q", name)
	}
	return ch, nil
}

// joinedChannels returns the names of the channels we're in.
func (uc *upstreamConn) joinedChannels() []string {
	return uc.channels.Names()
}

func (uc *upstreamConn) SendMessage(msg *irc.Message) {
	uc.srv.metrics.upstreamOutMessagesTotal.Inc()
	uc.conn.SendMessage(msg)
}

// register starts the registration, and arms the link and keepalive timers.
func (uc *upstreamConn) register() {
	cfg := &uc.network.cfg
	uc.network.recorder.SetISupport(uc.isupport)
	uc.nick = uc.nicks.Pick()

	if cfg.SASL != nil {
		uc.SendMessage(&irc.Message{
			Command: "CAP",
			Params:  []string{"LS", "302"},
		})
	}
	if cfg.Pass != "" {
		uc.SendMessage(&irc.Message{
			Command: "PASS",
			Params:  []string{cfg.Pass},
		})
	}
	uc.SendMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{uc.nick},
	})
	uc.SendMessage(&irc.Message{
		Command: "USER",
		Params:  []string{cfg.Username, "0", "*", cfg.Realname},
	})

	uc.linkTimer = uc.timers.AfterFunc(upstreamLinkTimeout, func() {
		uc.logger.Printf("link not finished after %v, closing connection", upstreamLinkTimeout)
		uc.Close()
	})
	uc.scheduleKeepalive()
}

func (uc *upstreamConn) scheduleKeepalive() {
	uc.timers.AfterFunc(keepaliveInterval, func() {
		if idle := time.Since(uc.lastRead); idle >= idleTimeout {
			uc.logger.Printf("connection idle for %v, closing", idle.Truncate(time.Second))
			uc.Close()
			return
		}

		uc.keepaliveToken = randomToken(64)
		uc.SendMessage(&irc.Message{
			Command: "PING",
			Params:  []string{uc.keepaliveToken},
		})
		uc.queries.MarkKeepalive()
		uc.scheduleKeepalive()
	})
}

func (uc *upstreamConn) readMessages(u *user) error {
	for {
		msg, err := uc.ReadMessage()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		uc.srv.metrics.upstreamInMessagesTotal.Inc()
		if !u.post(eventUpstreamMessage{msg, uc}) {
			return nil
		}
	}
}

// handleMessage updates the connection state with an incoming message, then
// hands it over to the active query or to the broadcast listeners.
func (uc *upstreamConn) handleMessage(msg *irc.Message) error {
	uc.lastRead = time.Now()
	burst := !uc.linked.Load()

	res := uc.queries.Process(msg)

	affected, err := uc.handleState(msg)
	var protoErr *protocolError
	if errors.As(err, &protoErr) {
		uc.logger.Printf("%v", err)
		err = nil
	} else if regErr, ok := err.(registrationError); ok {
		uc.logger.Printf("registration failed: %v", regErr.Reason())
		uc.Close()
		return nil
	}

	if msg.Command == "PONG" && len(msg.Params) == 2 && uc.keepaliveToken != "" && msg.Params[1] == uc.keepaliveToken {
		for _, m := range uc.queries.HandleKeepalivePong() {
			uc.logger.Printf("query desynchronized, broadcasting its replies")
			uc.broadcast(&upstreamMessage{Msg: m, Conn: uc})
		}
	}

	if res == queryUnrelated {
		uc.broadcast(&upstreamMessage{
			Msg:      msg,
			Conn:     uc,
			Channels: affected,
			Burst:    burst,
		})
	}
	return err
}

// broadcast delivers a message to the broadcast listeners. Unless one of them
// returns listenerStopAll, the backlog records they wrote are then handed to
// the clients which were sent the message.
func (uc *upstreamConn) broadcast(um *upstreamMessage) {
	if uc.network.broadcast.Fire(um) == listenerStopAll {
		return
	}
	uc.network.handRecords(um.Recorded)
}

// handleState applies a message to the tracked state. For NICK and QUIT, it
// returns the channels the sender was a member of.
func (uc *upstreamConn) handleState(msg *irc.Message) ([]string, error) {
	if uc.registered && xirc.IsNumeric(msg.Command) && len(msg.Params) > 0 && msg.Params[0] != "*" && !uc.isOurNick(msg.Params[0]) {
		uc.logger.Printf("missed a nick change from %q to %q", uc.nick, msg.Params[0])
		uc.nick = msg.Params[0]
	}

	switch msg.Command {
	case "PING":
		uc.SendMessage(&irc.Message{
			Command: "PONG",
			Params:  msg.Params,
		})
	case "CAP":
		return nil, uc.handleCap(msg)
	case "AUTHENTICATE":
		return nil, uc.handleAuthenticate(msg)
	case xirc.RPL_LOGGEDIN:
		var account string
		if err := parseMessageParams(msg, nil, nil, &account); err != nil {
			return nil, err
		}
		uc.logger.Printf("logged in with account %q", account)
	case xirc.RPL_SASLSUCCESS, xirc.ERR_SASLFAIL, xirc.ERR_SASLTOOLONG, xirc.ERR_SASLABORTED, xirc.ERR_SASLALREADY:
		if msg.Command != xirc.RPL_SASLSUCCESS {
			uc.logger.Printf("SASL authentication failed: %v", registrationError{msg}.Reason())
		}
		uc.saslClient = nil
		uc.saslStarted = false
		uc.SendMessage(&irc.Message{
			Command: "CAP",
			Params:  []string{"END"},
		})
	case irc.ERR_PASSWDMISMATCH:
		if !uc.registered {
			return nil, registrationError{msg}
		}
	case irc.ERR_ERRONEUSNICKNAME, irc.ERR_NICKNAMEINUSE, irc.ERR_NICKCOLLISION, irc.ERR_UNAVAILRESOURCE:
		if uc.registered {
			break
		}
		prev := uc.nick
		uc.nick = uc.nicks.Pick()
		uc.logger.Printf("nick %q rejected (%v), trying %q", prev, msg.Command, uc.nick)
		uc.SendMessage(&irc.Message{
			Command: "NICK",
			Params:  []string{uc.nick},
		})
	case irc.RPL_WELCOME:
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return nil, err
		}
		uc.registered = true
		uc.nick = nick
		if msg.Prefix != nil {
			uc.peer = msg.Prefix.Name
		}
		uc.logger.Printf("connection registered with nick %q", nick)
	case irc.RPL_MYINFO:
		var serverName string
		if err := parseMessageParams(msg, nil, &serverName); err != nil {
			return nil, err
		}
		if uc.peer == "" {
			uc.peer = serverName
		}
	case irc.RPL_ISUPPORT:
		if err := parseMessageParams(msg, nil, nil); err != nil {
			return nil, err
		}
		return nil, uc.handleISupport(msg.Params[1 : len(msg.Params)-1])
	case irc.RPL_MOTDSTART:
		uc.motd = nil
	case irc.RPL_MOTD:
		if len(msg.Params) < 2 {
			return nil, newNeedMoreParamsError(msg.Command)
		}
		uc.motd = append(uc.motd, strings.TrimPrefix(msg.Params[len(msg.Params)-1], "- "))
	case irc.RPL_ENDOFMOTD, irc.ERR_NOMOTD:
		if uc.linked.Load() {
			break
		}
		uc.linked.Store(true)
		if uc.linkTimer != nil {
			uc.linkTimer.Stop()
			uc.linkTimer = nil
		}
		uc.logger.Printf("link finished")
		uc.network.linked.Fire(uc)
	case irc.RPL_UNAWAY:
		uc.away = false
	case irc.RPL_NOWAWAY:
		uc.away = true
	case "NICK":
		if msg.Prefix == nil {
			return nil, newProtocolError(msg, "expected a prefix")
		}
		var newNick string
		if err := parseMessageParams(msg, &newNick); err != nil {
			return nil, err
		}

		if uc.isOurNick(msg.Prefix.Name) {
			uc.logger.Printf("changed nick from %q to %q", uc.nick, newNick)
			uc.nick = newNick
		}

		var affected []string
		uc.channels.ForEach(func(name string, ch *upstreamChannel) {
			ms, ok := ch.Members.Get(msg.Prefix.Name)
			if !ok {
				return
			}
			ch.Members.Del(msg.Prefix.Name)
			ch.Members.Set(newNick, ms)
			affected = append(affected, name)
		})
		return affected, nil
	case "QUIT":
		if msg.Prefix == nil {
			return nil, newProtocolError(msg, "expected a prefix")
		}

		var affected []string
		uc.channels.ForEach(func(name string, ch *upstreamChannel) {
			if ch.Members.Has(msg.Prefix.Name) {
				ch.Members.Del(msg.Prefix.Name)
				affected = append(affected, name)
			}
		})
		return affected, nil
	case "JOIN":
		if msg.Prefix == nil {
			return nil, newProtocolError(msg, "expected a prefix")
		}
		var channels string
		if err := parseMessageParams(msg, &channels); err != nil {
			return nil, err
		}

		var err error
		for _, name := range splitTargets(channels) {
			if uc.isOurNick(msg.Prefix.Name) {
				uc.logger.Printf("joined channel %q", name)
				ch := &upstreamChannel{
					Name:    name,
					conn:    uc,
					Status:  xirc.ChannelPublic,
					modes:   make(map[byte]string),
					Members: xirc.NewCaseMap[*xirc.MembershipSet](uc.casemap),
				}
				ch.Members.Set(msg.Prefix.Name, &xirc.MembershipSet{})
				uc.channels.Set(name, ch)
				uc.network.chanJoin.Fire(ch)
				continue
			}

			ch, ok := uc.channels.Get(name)
			if !ok {
				err = newProtocolError(msg, "JOIN of channel %q we're not in", name)
				continue
			}
			ch.Members.Set(msg.Prefix.Name, &xirc.MembershipSet{})
		}
		return nil, err
	case "PART":
		if msg.Prefix == nil {
			return nil, newProtocolError(msg, "expected a prefix")
		}
		var channels string
		if err := parseMessageParams(msg, &channels); err != nil {
			return nil, err
		}

		var err error
		for _, name := range splitTargets(channels) {
			if e := uc.removeMember(msg, name, msg.Prefix.Name); e != nil {
				err = e
			}
		}
		return nil, err
	case "KICK":
		var channels, users string
		if err := parseMessageParams(msg, &channels, &users); err != nil {
			return nil, err
		}

		chList, userList := splitTargets(channels), splitTargets(users)
		if len(chList) != 1 && len(chList) != len(userList) {
			return nil, newProtocolError(msg, "channel and user lists don't match")
		}
		var err error
		for i, user := range userList {
			name := chList[0]
			if len(chList) > 1 {
				name = chList[i]
			}
			if e := uc.removeMember(msg, name, user); e != nil {
				err = e
			}
		}
		return nil, err
	case "TOPIC":
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return nil, err
		}
		ch, err := uc.getChannel(msg, name)
		if err != nil {
			return nil, err
		}
		ch.Topic = ""
		if len(msg.Params) > 1 {
			ch.Topic = msg.Params[1]
		}
		ch.TopicKnown = true
	case irc.RPL_TOPIC, irc.RPL_NOTOPIC:
		var name, topic string
		if err := parseMessageParams(msg, nil, &name, &topic); err != nil {
			return nil, err
		}
		ch, err := uc.getChannel(msg, name)
		if err != nil {
			return nil, err
		}
		if msg.Command == irc.RPL_NOTOPIC {
			topic = ""
		}
		ch.Topic = topic
		ch.TopicKnown = true
	case irc.RPL_NAMREPLY:
		var status, name, members string
		if err := parseMessageParams(msg, nil, &status, &name, &members); err != nil {
			return nil, err
		}
		ch, ok := uc.channels.Get(name)
		if !ok {
			// NAMES reply for a channel we're not in
			break
		}

		if s, err := xirc.ParseChannelStatus(status); err == nil {
			ch.Status = s
		}
		if ch.pendingMembers == nil {
			ch.pendingMembers = xirc.NewCaseMap[*xirc.MembershipSet](uc.casemap)
		}
		for _, s := range strings.Fields(members) {
			ms, nick := uc.chanModes.ParseMemberPrefix(s)
			ch.pendingMembers.Set(nick, &ms)
		}
	case irc.RPL_ENDOFNAMES:
		var name string
		if err := parseMessageParams(msg, nil, &name); err != nil {
			return nil, err
		}
		ch, ok := uc.channels.Get(name)
		if !ok || ch.pendingMembers == nil {
			break
		}
		ch.Members = ch.pendingMembers
		ch.pendingMembers = nil
	case irc.RPL_CHANNELMODEIS:
		var name, modeStr string
		if err := parseMessageParams(msg, nil, &name, &modeStr); err != nil {
			return nil, err
		}
		ch, err := uc.getChannel(msg, name)
		if err != nil {
			return nil, err
		}
		ch.modes = make(map[byte]string)
		return nil, uc.applyChannelModes(msg, ch, modeStr, msg.Params[3:])
	case "MODE":
		var name, modeStr string
		if err := parseMessageParams(msg, &name, &modeStr); err != nil {
			return nil, err
		}

		if !uc.isChannel(name) {
			if !uc.isOurNick(name) {
				return nil, newProtocolError(msg, "MODE for unknown nick %q", name)
			}
			if err := uc.modes.Apply(modeStr); err != nil {
				return nil, newProtocolError(msg, "%v", err)
			}
			break
		}

		ch, err := uc.getChannel(msg, name)
		if err != nil {
			return nil, err
		}
		return nil, uc.applyChannelModes(msg, ch, modeStr, msg.Params[2:])
	}
	return nil, nil
}

// removeMember handles a PART or KICK of nick from a channel.
func (uc *upstreamConn) removeMember(msg *irc.Message, name, nick string) error {
	ch, err := uc.getChannel(msg, name)
	if err != nil {
		return err
	}

	if uc.isOurNick(nick) {
		uc.logger.Printf("left channel %q", name)
		uc.network.chanLeave.Fire(ch)
		uc.channels.Del(name)
		return nil
	}

	if !ch.Members.Has(nick) {
		return newProtocolError(msg, "%v of unknown member %q in channel %q", msg.Command, nick, name)
	}
	ch.Members.Del(nick)
	return nil
}

func (uc *upstreamConn) applyChannelModes(msg *irc.Message, ch *upstreamChannel, modeStr string, args []string) error {
	changes, err := uc.chanModes.ParseModeChanges(modeStr, args)
	if err != nil {
		err = newProtocolError(msg, "%v", err)
	}

	for _, change := range changes {
		switch change.Class {
		case xirc.ModeList:
			// Lists aren't tracked
		case xirc.ModeString, xirc.ModeOptString:
			if change.Plus {
				ch.modes[change.Mode] = change.Arg
			} else {
				delete(ch.modes, change.Mode)
			}
		case xirc.ModeBool:
			if change.Plus {
				ch.modes[change.Mode] = ""
			} else {
				delete(ch.modes, change.Mode)
			}
		case xirc.ModeRank:
			ms, ok := ch.Members.Get(change.Arg)
			if !ok {
				err = newProtocolError(msg, "rank change for unknown member %q", change.Arg)
				continue
			}
			rank, _ := uc.chanModes.RankByMode(change.Mode)
			if change.Plus {
				ms.Add(uc.chanModes.Ranks, rank)
			} else if ms.Has(rank) {
				ms.Remove(rank)
			} else if !ms.HasAbove(uc.chanModes.Ranks, rank) {
				// Servers not supporting multi-prefix only tell us about
				// the highest rank, so a missing lower rank is expected
				err = newProtocolError(msg, "removal of rank %q not held by %q", change.Mode, change.Arg)
			}
		}
	}
	return err
}

func (uc *upstreamConn) handleISupport(tokens []string) error {
	changes, err := uc.isupport.Parse(tokens)
	if err != nil {
		err = newProtocolError(&irc.Message{Command: irc.RPL_ISUPPORT, Params: tokens}, "%v", err)
	}

	var updateModes bool
	for _, change := range changes {
		switch change.Name {
		case "CASEMAPPING":
			uc.updateCasemapping(uc.isupport.CaseMapping())
		case "CHANMODES", "PREFIX":
			updateModes = true
		}
	}
	if !updateModes {
		return err
	}

	chanModes := xirc.NewChannelModes()
	if v, ok := uc.isupport.Get("PREFIX"); ok {
		if e := chanModes.SetPrefix(v); e != nil {
			return e
		}
	}
	if v, ok := uc.isupport.Get("CHANMODES"); ok {
		if e := chanModes.SetChanModes(v); e != nil {
			return e
		}
	}
	uc.chanModes = chanModes
	return err
}

func (uc *upstreamConn) updateCasemapping(cm xirc.CaseMapping) {
	uc.casemap = cm
	uc.channels.SetCaseMapping(cm)
	uc.channels.ForEach(func(_ string, ch *upstreamChannel) {
		ch.Members.SetCaseMapping(cm)
	})
	uc.network.updateCasemapping(cm)
}

func (uc *upstreamConn) handleCap(msg *irc.Message) error {
	var subCmd string
	if err := parseMessageParams(msg, nil, &subCmd); err != nil {
		return err
	}
	subParams := msg.Params[2:]
	if len(subParams) < 1 {
		return newNeedMoreParamsError(msg.Command)
	}

	switch strings.ToUpper(subCmd) {
	case "LS":
		uc.caps.Advertise(subParams[len(subParams)-1])
		if len(subParams) >= 2 && subParams[0] == "*" {
			break // wait to receive all capabilities
		}

		if uc.requestSASL() {
			uc.SendMessage(&irc.Message{
				Command: "CAP",
				Params:  []string{"REQ", "sasl"},
			})
			break // we'll send CAP END after authentication is completed
		}
		uc.SendMessage(&irc.Message{
			Command: "CAP",
			Params:  []string{"END"},
		})
	case "ACK", "NAK":
		for _, name := range strings.Fields(subParams[0]) {
			uc.handleCapAck(strings.ToLower(name), strings.ToUpper(subCmd) == "ACK")
		}
	case "NEW":
		uc.caps.Advertise(subParams[0])
	case "DEL":
		uc.caps.Withdraw(subParams[0])
	default:
		uc.logger.Printf("unhandled message: %v", msg)
	}
	return nil
}

func (uc *upstreamConn) requestSASL() bool {
	return uc.network.cfg.SASL != nil && uc.caps.SupportsSASL("PLAIN")
}

func (uc *upstreamConn) handleCapAck(name string, ok bool) {
	uc.caps.SetEnabled(name, ok)
	if name != "sasl" {
		uc.logger.Printf("received CAP ACK/NAK for a cap we don't support: %v", name)
		return
	}

	if !ok {
		uc.logger.Printf("server refused to acknowledge the SASL capability")
		uc.SendMessage(&irc.Message{
			Command: "CAP",
			Params:  []string{"END"},
		})
		return
	}

	auth := uc.network.cfg.SASL
	uc.logger.Printf("starting SASL PLAIN authentication with username %q", auth.Username)
	uc.saslClient = sasl.NewPlainClient("", auth.Username, auth.Password)
	uc.saslStarted = false
	uc.SendMessage(&irc.Message{
		Command: "AUTHENTICATE",
		Params:  []string{"PLAIN"},
	})
}

func (uc *upstreamConn) abortSASL() {
	uc.SendMessage(&irc.Message{
		Command: "AUTHENTICATE",
		Params:  []string{"*"},
	})
}

func (uc *upstreamConn) handleAuthenticate(msg *irc.Message) error {
	if uc.saslClient == nil {
		return newProtocolError(msg, "unexpected AUTHENTICATE message")
	}

	var challengeStr string
	if err := parseMessageParams(msg, &challengeStr); err != nil {
		uc.abortSASL()
		return err
	}

	var challenge []byte
	if challengeStr != "+" {
		var err error
		challenge, err = base64.StdEncoding.DecodeString(challengeStr)
		if err != nil {
			uc.abortSASL()
			return err
		}
	}

	var resp []byte
	var err error
	if !uc.saslStarted {
		_, resp, err = uc.saslClient.Start()
		uc.saslStarted = true
	} else {
		resp, err = uc.saslClient.Next(challenge)
	}
	if err != nil {
		uc.abortSASL()
		return err
	}

	for _, m := range xirc.GenerateSASL(resp) {
		uc.SendMessage(m)
	}
	return nil
}
