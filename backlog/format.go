package backlog

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/xirc"
)

const DefaultTimeLayout = "2006-01-02 15:04:05"

const continuationMarker = "[cont.]"

// Formatter renders records as PRIVMSG lines a client can display.
type Formatter struct {
	// Prefix of the lines replayed in channels
	ServerName string
	TimeLayout string
	Location   *time.Location
	Limits     xirc.Limits
}

func (f *Formatter) formatTime(t time.Time) string {
	layout := f.TimeLayout
	if layout == "" {
		layout = DefaultTimeLayout
	}
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(layout)
}

func (f *Formatter) limits() xirc.Limits {
	if f.Limits.MaxLength == 0 {
		return xirc.DefaultLimits
	}
	return f.Limits
}

func isMessageLike(msg *irc.Message) bool {
	return msg.Command == "PRIVMSG" || msg.Command == "NOTICE"
}

// paramsWithoutTarget strips the target of commands addressed to a channel
// or a user.
func paramsWithoutTarget(msg *irc.Message) []string {
	switch msg.Command {
	case "PRIVMSG", "NOTICE", "JOIN", "PART", "KICK", "MODE", "TOPIC", "INVITE":
		if len(msg.Params) > 0 {
			return msg.Params[1:]
		}
	}
	return msg.Params
}

// linePrefix is the part of a replay line after the timestamp identifying
// the sender and the kind of event.
func linePrefix(rec *Record, private bool, cmd string) string {
	if private {
		marker := ">"
		if rec.Outgoing {
			marker = "<"
		}
		if isMessageLike(rec.Message) {
			return marker
		}
		return cmd + " " + marker
	}
	if isMessageLike(rec.Message) {
		return "<" + rec.Source + ">"
	}
	return cmd + " " + rec.Source
}

// makeMessages builds PRIVMSGs carrying text, continued over as many lines
// as necessary.
func (f *Formatter) makeMessages(prefix *irc.Prefix, target, ts, text string) []*irc.Message {
	limits := f.limits()

	var msgs []*irc.Message
	line := ts + " " + text
	for {
		msg := &irc.Message{
			Prefix:  prefix,
			Command: "PRIVMSG",
			Params:  []string{target, line},
		}
		cut := xirc.TrimLastParam(msg, limits)
		msgs = append(msgs, msg)
		if cut == 0 {
			break
		}

		rest := line[len(line)-cut:]
		next := ts + " " + continuationMarker + " " + rest
		if len(next) >= len(line) {
			// The limits are too small to make progress
			break
		}
		line = next
	}
	return msgs
}

// Format returns the lines replaying rec. For channel records, target is
// the channel name. For nick context records, target is our nickname.
func (f *Formatter) Format(rec *Record, target string, private bool) []*irc.Message {
	ts := f.formatTime(rec.Time)

	switch rec.Kind {
	case KindShutdown:
		prefix := &irc.Prefix{Name: f.ServerName}
		text := fmt.Sprintf("Bouncer disconnected from remote %v.", rec.Peer)
		return f.makeMessages(prefix, target, ts, text)
	case KindSnapshot:
		return f.formatSnapshot(rec, target, ts)
	case KindMessage:
		// handled below
	default:
		return nil
	}

	msg := rec.Message
	if msg == nil || xirc.IsNumeric(msg.Command) {
		return nil
	}

	prefix := &irc.Prefix{Name: f.ServerName}
	if private {
		peer := rec.Source
		if rec.Outgoing && len(msg.Params) > 0 {
			peer = msg.Params[0]
		}
		prefix = &irc.Prefix{Name: peer}
	}

	var msgs []*irc.Message
	if !isMessageLike(msg) {
		text := linePrefix(rec, private, msg.Command)
		if params := paramsWithoutTarget(msg); len(params) > 0 {
			text += " " + strings.Join(params, " ")
		}
		return f.makeMessages(prefix, target, ts, text)
	}

	if len(msg.Params) < 2 {
		return nil
	}

	var plain strings.Builder
	var ctcps []string
	for _, frag := range xirc.SplitCTCP(msg.Params[1]) {
		if frag.CTCP {
			ctcps = append(ctcps, frag.Text)
		} else {
			plain.WriteString(frag.Text)
		}
	}

	lp := linePrefix(rec, private, msg.Command)
	if plain.Len() > 0 {
		msgs = append(msgs, f.makeMessages(prefix, target, ts, lp+" "+plain.String())...)
	}
	for _, ctcp := range ctcps {
		msgs = append(msgs, f.makeMessages(prefix, target, ts, lp+" CTCP "+ctcp)...)
	}
	return msgs
}

func (f *Formatter) formatSnapshot(rec *Record, target, ts string) []*irc.Message {
	prefix := &irc.Prefix{Name: f.ServerName}
	snap := rec.Snapshot
	if snap == nil {
		return nil
	}

	var msgs []*irc.Message
	switch {
	case !snap.TopicKnown:
		// Topic unknown
	case snap.Topic == "":
		msgs = append(msgs, f.makeMessages(prefix, target, ts, "No topic was set")...)
	default:
		msgs = append(msgs, f.makeMessages(prefix, target, ts, "Topic was: "+snap.Topic)...)
	}
	if len(snap.Members) > 0 {
		text := "Members were: " + strings.Join(snap.Members, " ")
		msgs = append(msgs, f.makeMessages(prefix, target, ts, text)...)
	}
	return msgs
}

// FormatAll replays a list of records.
func (f *Formatter) FormatAll(recs []*Record, target string, private bool) []*irc.Message {
	var msgs []*irc.Message
	for _, rec := range recs {
		msgs = append(msgs, f.Format(rec, target, private)...)
	}
	return msgs
}
