package luteus

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/backlog"
	"git.sr.ht/~luteus/luteus/database"
	"git.sr.ht/~luteus/luteus/xirc"
)

const disconnectedText = "Bouncer disconnected; please wait for reconnect."

// registerBNC registers the listeners relaying traffic between the upstream
// connection and the clients.
func (net *network) registerBNC() {
	net.broadcast.Register(-10, dropKeepalive)
	net.broadcast.Register(0, net.recordIncoming)
	net.broadcast.Register(10, net.fanOut)
	net.outgoing.Register(0, net.recordOutgoing)
	net.outgoing.Register(10, net.mirrorOutgoing)
	net.linked.Register(10, net.handleLinked)
	net.shutdown.Register(10, net.handleShutdown)
}

func (net *network) currentCasemap() xirc.CaseMapping {
	if net.conn != nil {
		return net.conn.casemap
	}
	return xirc.CaseMappingDefault
}

// isWanted reports whether a client other than except is interested in a
// channel.
func (net *network) isWanted(name string, except *downstreamConn) bool {
	for _, dc := range net.downstreams {
		if dc != except && dc.wanted.Has(name) {
			return true
		}
	}
	return false
}

// handRecords tells the confirmer which clients were sent the records
// written for a message.
func (net *network) handRecords(recorded []*backlog.Appended) {
	for _, a := range recorded {
		net.forEachDownstream(func(dc *downstreamConn) {
			if a.Channel == backlog.NickContext || dc.wanted.Has(a.Channel) {
				net.confirmer.Handed(dc, a.Context, a.Seq, a.Seq)
			}
		})
		net.confirmer.Check(a.Context)
	}
}

// dropKeepalive keeps PING and PONG away from clients and from the backlog.
func dropKeepalive(um *upstreamMessage) (listenerResult, error) {
	switch um.Msg.Command {
	case "PING", "PONG":
		return listenerStopAll, nil
	}
	return listenerContinue, nil
}

func (net *network) recordIncoming(um *upstreamMessage) (listenerResult, error) {
	msg := um.Msg
	src := um.Conn.peer
	if msg.Prefix != nil {
		src = msg.Prefix.Name
	}
	um.Recorded = net.recorder.RecordIncoming(context.TODO(), msg, src, um.Channels)
	return listenerContinue, nil
}

// messageChannel returns the channel a message is about, if any.
func messageChannel(uc *upstreamConn, msg *irc.Message) string {
	var i int
	switch msg.Command {
	case "PRIVMSG", "NOTICE", "JOIN", "PART", "KICK", "MODE", "TOPIC":
		i = 0
	case irc.RPL_TOPIC, irc.RPL_NOTOPIC, xirc.RPL_TOPICWHOTIME, irc.RPL_ENDOFNAMES, irc.RPL_CHANNELMODEIS, xirc.RPL_CREATIONTIME:
		i = 1
	case irc.RPL_NAMREPLY:
		i = 2
	default:
		return ""
	}
	if len(msg.Params) <= i || !uc.isChannel(msg.Params[i]) {
		return ""
	}
	return msg.Params[i]
}

// splitPerTarget returns one copy of msg per target.
func splitPerTarget(msg *irc.Message) []*irc.Message {
	switch msg.Command {
	case "PRIVMSG", "NOTICE", "JOIN", "PART":
		if len(msg.Params) == 0 || !strings.Contains(msg.Params[0], ",") {
			return []*irc.Message{msg}
		}
		var l []*irc.Message
		for _, target := range splitTargets(msg.Params[0]) {
			m := msg.Copy()
			m.Params[0] = target
			if msg.Command == "JOIN" && len(m.Params) > 1 {
				// Keys aren't relayed
				m.Params = m.Params[:1]
			}
			l = append(l, m)
		}
		return l
	case "KICK":
		if len(msg.Params) < 2 {
			return []*irc.Message{msg}
		}
		channels, users := splitTargets(msg.Params[0]), splitTargets(msg.Params[1])
		if len(channels) == 1 && len(users) == 1 {
			return []*irc.Message{msg}
		}
		var l []*irc.Message
		for i, user := range users {
			ch := channels[0]
			if len(channels) > 1 {
				if i >= len(channels) {
					break
				}
				ch = channels[i]
			}
			m := msg.Copy()
			m.Params[0] = ch
			m.Params[1] = user
			l = append(l, m)
		}
		return l
	default:
		return []*irc.Message{msg}
	}
}

func (net *network) fanOut(um *upstreamMessage) (listenerResult, error) {
	msg, uc := um.Msg, um.Conn
	if um.Burst && xirc.IsNumeric(msg.Command) {
		// Clients got our own registration burst
		return listenerContinue, nil
	}

	if msg.Command == "ERROR" {
		var text string
		if len(msg.Params) > 0 {
			text = msg.Params[len(msg.Params)-1]
		}
		msg = &irc.Message{
			Prefix:  msg.Prefix,
			Command: "PRIVMSG",
			Params:  []string{uc.nick, "ERROR: " + text},
		}
		xirc.TrimLastParam(msg, xirc.DefaultLimits)
	}
	if msg.Prefix == nil {
		msg = msg.Copy()
		msg.Prefix = &irc.Prefix{Name: uc.peer}
	}

	for _, m := range splitPerTarget(msg) {
		ch := messageChannel(uc, m)
		net.forEachDownstream(func(dc *downstreamConn) {
			if ch != "" && !dc.wanted.Has(ch) {
				return
			}
			dc.SendMessage(m)
		})
	}

	switch msg.Command {
	case "NICK":
		if len(msg.Params) < 1 {
			break
		}
		net.forEachDownstream(func(dc *downstreamConn) {
			if uc.casemap(dc.nick) == uc.casemap(msg.Prefix.Name) {
				dc.nick = msg.Params[0]
			}
		})
	case "PART":
		if uc.isOurNick(msg.Prefix.Name) && len(msg.Params) > 0 {
			net.forgetChannels(splitTargets(msg.Params[0]))
		}
	case "KICK":
		for _, m := range splitPerTarget(msg) {
			if len(m.Params) >= 2 && uc.isOurNick(m.Params[1]) {
				net.forgetChannels([]string{m.Params[0]})
			}
		}
	}
	return listenerContinue, nil
}

func (net *network) forgetChannels(names []string) {
	for _, name := range names {
		net.forEachDownstream(func(dc *downstreamConn) {
			dc.wanted.Del(name)
		})
	}
}

func (net *network) recordOutgoing(om *outgoingMessage) (listenerResult, error) {
	om.Recorded = net.recorder.RecordOutgoing(context.TODO(), om.Msg, net.conn.nick)
	return listenerContinue, nil
}

// mirrorOutgoing echoes messages sent by a client to the other clients.
func (net *network) mirrorOutgoing(om *outgoingMessage) (listenerResult, error) {
	msg, uc := om.Msg, net.conn
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
	default:
		return listenerContinue, nil
	}
	if len(msg.Params) < 2 {
		return listenerContinue, nil
	}

	prefix := &irc.Prefix{
		Name: uc.nick,
		User: "luteususer",
		Host: net.user.srv.Config().BouncerName,
	}
	for _, target := range splitTargets(msg.Params[0]) {
		m := msg.Copy()
		m.Prefix = prefix
		m.Params[0] = target
		isChannel := uc.isChannel(target)
		net.forEachDownstream(func(dc *downstreamConn) {
			if dc == om.Origin || (isChannel && !dc.wanted.Has(target)) {
				return
			}
			dc.SendMessage(m)
		})
	}
	return listenerContinue, nil
}

func (net *network) handleLinked(uc *upstreamConn) (listenerResult, error) {
	channels := xirc.NewCaseMap[string](uc.casemap)
	net.channels.ForEach(func(name string, ch *database.Channel) {
		channels.Set(name, ch.Key)
	})
	net.forEachDownstream(func(dc *downstreamConn) {
		for _, name := range dc.wanted.Names() {
			if channels.Has(name) {
				continue
			}
			key, _ := net.pendingKeys.Get(name)
			channels.Set(name, key)
		}
	})

	var names, keys []string
	channels.ForEach(func(name, key string) {
		names = append(names, name)
		keys = append(keys, key)
	})
	for _, msg := range xirc.GenerateJoin(names, keys, xirc.DefaultLimits) {
		uc.SendMessage(msg)
	}

	if net.away != "" {
		uc.SendMessage(&irc.Message{
			Command: "AWAY",
			Params:  []string{net.away},
		})
	}

	net.forEachDownstream(func(dc *downstreamConn) {
		dc.updateNick(uc.nick)
		dc.sendNotice(fmt.Sprintf("Connected to %v", uc.peer))
	})
	return listenerContinue, nil
}

func (net *network) handleShutdown(uc *upstreamConn) (listenerResult, error) {
	joined := uc.joinedChannels()
	net.forEachDownstream(func(dc *downstreamConn) {
		for _, name := range joined {
			if !dc.wanted.Has(name) {
				continue
			}
			dc.SendMessage(&irc.Message{
				Prefix:  dc.srv.prefix(),
				Command: "KICK",
				Params:  []string{name, dc.nick, "Luteus<->network link severed."},
			})
		}
		if uc.away {
			dc.SendMessage(&irc.Message{
				Prefix:  dc.srv.prefix(),
				Command: irc.RPL_UNAWAY,
				Params:  []string{dc.nick, "You are no longer marked as being away"},
			})
		}
		dc.sendNotice(fmt.Sprintf("Disconnected from %v", net.cfg.Name))
	})

	peer := uc.peer
	if peer == "" {
		peer = uc.addr.Addr
	}
	net.recorder.RecordShutdown(context.TODO(), peer, joined)
	return listenerContinue, nil
}

func (dc *downstreamConn) updateNick(nick string) {
	if dc.nick == nick {
		return
	}
	dc.SendMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: dc.nick},
		Command: "NICK",
		Params:  []string{nick},
	})
	dc.nick = nick
}

// attach sends the registration burst and the private backlog to a new
// client.
func (net *network) attach(dc *downstreamConn) {
	net.downstreams = append(net.downstreams, dc)
	dc.wanted.SetCaseMapping(net.currentCasemap())

	srvCfg := net.user.srv.Config()
	uc := net.linkedConn()
	nick := dc.nick

	dc.SendMessage(&irc.Message{
		Command: irc.RPL_WELCOME,
		Params:  []string{nick, "Welcome to " + srvCfg.BouncerName + ", " + nick},
	})
	dc.SendMessage(&irc.Message{
		Command: irc.RPL_YOURHOST,
		Params:  []string{nick, "Your host is " + srvCfg.Hostname},
	})
	dc.SendMessage(&irc.Message{
		Command: irc.RPL_CREATED,
		Params:  []string{nick, "Who cares when the server was created?"},
	})
	dc.SendMessage(&irc.Message{
		Command: irc.RPL_MYINFO,
		Params:  []string{nick, srvCfg.Hostname, srvCfg.BouncerName, "aiwroO", "OovaimnqpsrtklbeI"},
	})

	if uc != nil {
		msgs, err := xirc.GenerateIsupport(nick, uc.isupport.Tokens(), xirc.DefaultLimits)
		if err != nil {
			dc.logger.Printf("failed to generate ISUPPORT: %v", err)
		}
		for _, msg := range msgs {
			dc.SendMessage(msg)
		}
	}

	var motd []string
	if srvCfg.MOTD != "" {
		motd = strings.Split(srvCfg.MOTD, "\n")
	} else if uc != nil {
		motd = uc.motd
	}
	for _, msg := range xirc.GenerateMOTD(nick, srvCfg.Hostname, motd) {
		dc.SendMessage(msg)
	}

	if uc == nil {
		dc.sendNotice(disconnectedText)
	} else {
		dc.updateNick(uc.nick)
		if uc.away {
			dc.SendMessage(&irc.Message{
				Command: irc.RPL_NOWAWAY,
				Params:  []string{dc.nick, "You have been marked as being away"},
			})
		}
	}

	net.replay(dc, backlog.NickContext, dc.nick, true)
}

func (net *network) detach(dc *downstreamConn) {
	for i, other := range net.downstreams {
		if other == dc {
			net.downstreams = append(net.downstreams[:i], net.downstreams[i+1:]...)
			break
		}
	}
	net.confirmer.Detach(dc)
}

// replay sends the backlog of a channel, or of the nick context if channel is
// empty.
func (net *network) replay(dc *downstreamConn, channel, target string, private bool) {
	recs, err := net.recorder.Load(context.TODO(), channel)
	if err != nil {
		dc.logger.Printf("failed to load backlog: %v", err)
		return
	}
	if len(recs) == 0 {
		return
	}

	for _, msg := range net.formatter.FormatAll(recs, target, private) {
		dc.SendMessage(msg)
	}
	net.confirmer.Handed(dc, net.recorder.ContextName(channel), recs[0].Seq, recs[len(recs)-1].Seq)
}

// sendChannelBurst makes a client join a channel we're already in.
func (net *network) sendChannelBurst(dc *downstreamConn, ch *upstreamChannel) {
	dc.SendMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: dc.nick},
		Command: "JOIN",
		Params:  []string{ch.Name},
	})

	switch {
	case !ch.TopicKnown:
		// Nothing received yet, the server will tell
	case ch.Topic == "":
		dc.SendMessage(&irc.Message{
			Command: irc.RPL_NOTOPIC,
			Params:  []string{dc.nick, ch.Name, "No topic is set"},
		})
	default:
		dc.SendMessage(&irc.Message{
			Command: irc.RPL_TOPIC,
			Params:  []string{dc.nick, ch.Name, ch.Topic},
		})
	}

	msgs, err := xirc.GenerateNamesReply(dc.nick, ch.Name, ch.Status, ch.memberList(), xirc.DefaultLimits)
	if err != nil {
		dc.logger.Printf("failed to generate NAMES reply for %q: %v", ch.Name, err)
	}
	for _, msg := range msgs {
		dc.SendMessage(msg)
	}
}

// handleClientMessage relays a message from a registered client to the
// upstream connection.
func (net *network) handleClientMessage(dc *downstreamConn, msg *irc.Message) error {
	msg = msg.Copy()
	msg.Prefix = nil

	uc := net.linkedConn()
	switch msg.Command {
	case "JOIN":
		return net.handleClientJoin(dc, uc, msg)
	case "PART":
		return net.handleClientPart(dc, uc, msg)
	case "AWAY":
		if len(msg.Params) > 0 && msg.Params[0] != "" {
			net.away = msg.Params[0]
		} else {
			net.away = ""
		}
	}

	if uc == nil {
		return newTryAgainError(msg.Command, disconnectedText)
	}

	if isQueryCommand(msg.Command) {
		uc.queries.Start(msg, func(replies []*irc.Message, err error) {
			if err != nil {
				dc.sendIRCError(newTryAgainError(msg.Command, disconnectedText))
				return
			}
			for _, reply := range replies {
				dc.SendMessage(reply)
			}
		})
		return nil
	}

	uc.SendMessage(msg)
	om := &outgoingMessage{Msg: msg, Origin: dc}
	if net.outgoing.Fire(om) != listenerStopAll {
		net.handRecords(om.Recorded)
	}
	return nil
}

func (net *network) handleClientJoin(dc *downstreamConn, uc *upstreamConn, msg *irc.Message) error {
	var namesStr string
	if err := parseMessageParams(msg, &namesStr); err != nil {
		return err
	}
	if uc == nil {
		return newTryAgainError(msg.Command, disconnectedText)
	}

	if namesStr == "0" {
		return net.partChannels(dc, uc, dc.wanted.Names(), "")
	}

	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}

	var toJoin, toJoinKeys []string
	for i, name := range strings.Split(namesStr, ",") {
		if name == "" {
			continue
		}
		var key string
		if i < len(keys) {
			key = keys[i]
		}

		dc.wanted.Set(name, struct{}{})
		if ch, ok := uc.channels.Get(name); ok {
			net.sendChannelBurst(dc, ch)
			net.replay(dc, ch.Name, ch.Name, false)
			continue
		}

		toJoin = append(toJoin, name)
		toJoinKeys = append(toJoinKeys, key)
		if key != "" {
			net.pendingKeys.Set(name, key)
		}
	}

	for _, m := range xirc.GenerateJoin(toJoin, toJoinKeys, xirc.DefaultLimits) {
		uc.SendMessage(m)
	}
	return nil
}

func (net *network) handleClientPart(dc *downstreamConn, uc *upstreamConn, msg *irc.Message) error {
	var namesStr string
	if err := parseMessageParams(msg, &namesStr); err != nil {
		return err
	}
	if uc == nil {
		return newTryAgainError(msg.Command, disconnectedText)
	}

	var reason string
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	return net.partChannels(dc, uc, splitTargets(namesStr), reason)
}

// partChannels makes a client leave channels. The upstream connection only
// leaves the channels no other client is interested in.
func (net *network) partChannels(dc *downstreamConn, uc *upstreamConn, names []string, reason string) error {
	var toPart []string
	for _, name := range names {
		if net.isWanted(name, dc) || !uc.channels.Has(name) {
			dc.wanted.Del(name)
			params := []string{name}
			if reason != "" {
				params = append(params, reason)
			}
			dc.SendMessage(&irc.Message{
				Prefix:  &irc.Prefix{Name: dc.nick},
				Command: "PART",
				Params:  params,
			})
			continue
		}
		// The client stops wanting the channel when the PART comes back
		toPart = append(toPart, name)
	}

	if len(toPart) == 0 {
		return nil
	}
	params := []string{strings.Join(toPart, ",")}
	if reason != "" {
		params = append(params, reason)
	}
	uc.SendMessage(&irc.Message{
		Command: "PART",
		Params:  params,
	})
	return nil
}
