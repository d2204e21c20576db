package backlog

import (
	"context"
	"strings"
	"time"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/xirc"
)

// Appended describes a record written by a Recorder.
type Appended struct {
	// Context name, case-mapped
	Context string
	// Channel name as spelled in the message, empty for the nick context
	Channel string
	Seq     uint64
}

// Recorder turns network traffic into backlog records.
type Recorder struct {
	store  Store
	filter *Filter
	logger Logger

	isupport *xirc.ISupport
	now      func() time.Time
}

func NewRecorder(store Store, filter *Filter, logger Logger) *Recorder {
	return &Recorder{
		store:    store,
		filter:   filter,
		logger:   logger,
		isupport: xirc.NewISupport(),
		now:      time.Now,
	}
}

// SetISupport sets the server features used to tell channels apart and to
// case-map context names.
func (r *Recorder) SetISupport(is *xirc.ISupport) {
	r.isupport = is
}

func (r *Recorder) casemap(name string) string {
	return r.isupport.CaseMapping()(name)
}

// ContextName returns the context name of a channel.
func (r *Recorder) ContextName(channel string) string {
	if channel == NickContext {
		return NickContext
	}
	return r.casemap(channel)
}

func (r *Recorder) append(ctx context.Context, channel string, rec *Record) (Appended, bool) {
	if !r.filter.Accept(rec, r.isupport.CaseMapping()) {
		return Appended{}, false
	}
	name := r.ContextName(channel)
	seq, err := r.store.Append(ctx, name, rec)
	if err != nil {
		r.logger.Printf("failed to append to backlog %q: %v", channel, err)
		return Appended{}, false
	}
	return Appended{Context: name, Channel: channel, Seq: seq}, true
}

// messageTargets returns the channels and nicknames a message is addressed
// to.
func (r *Recorder) messageTargets(msg *irc.Message) (channels, nicks []string) {
	if xirc.IsNumeric(msg.Command) {
		var i int
		switch msg.Command {
		case irc.RPL_TOPIC, xirc.RPL_TOPICWHOTIME, irc.RPL_ENDOFNAMES:
			i = 1
		case irc.RPL_NAMREPLY:
			i = 2
		default:
			return nil, nil
		}
		if len(msg.Params) > i {
			channels = append(channels, msg.Params[i])
		}
		return channels, nil
	}

	switch msg.Command {
	case "PRIVMSG", "NOTICE", "JOIN", "PART", "KICK", "MODE", "TOPIC":
	default:
		return nil, nil
	}
	if len(msg.Params) == 0 {
		return nil, nil
	}
	for _, target := range strings.Split(msg.Params[0], ",") {
		if target == "" {
			continue
		}
		if r.isupport.IsChannel(target) {
			channels = append(channels, target)
		} else {
			nicks = append(nicks, target)
		}
	}
	return channels, nicks
}

func copyForRecord(msg *irc.Message) *irc.Message {
	msg = msg.Copy()
	msg.Tags = nil
	return msg
}

// RecordIncoming records a message received from the network. src is the
// name of the sender, and affected lists the channels where the sender of a
// NICK or QUIT was a member.
func (r *Recorder) RecordIncoming(ctx context.Context, msg *irc.Message, src string, affected []string) []*Appended {
	var out []*Appended
	rec := &Record{
		Time:    r.now(),
		Kind:    KindMessage,
		Source:  src,
		Message: copyForRecord(msg),
	}

	channels, nicks := r.messageTargets(msg)
	for _, ch := range channels {
		if a, ok := r.append(ctx, ch, rec); ok {
			out = append(out, &a)
		}
	}
	// Private traffic goes to the nick context once, whatever the number of
	// targets
	if len(nicks) > 0 {
		if a, ok := r.append(ctx, NickContext, rec); ok {
			out = append(out, &a)
		}
	}

	switch msg.Command {
	case "NICK", "QUIT":
		for _, ch := range affected {
			if a, ok := r.append(ctx, ch, rec); ok {
				out = append(out, &a)
			}
		}
	}
	return out
}

// RecordOutgoing records a PRIVMSG or NOTICE sent to the network by us.
func (r *Recorder) RecordOutgoing(ctx context.Context, msg *irc.Message, self string) []*Appended {
	if msg.Command != "PRIVMSG" && msg.Command != "NOTICE" {
		return nil
	}
	if len(msg.Params) < 2 {
		return nil
	}

	var out []*Appended
	for _, target := range strings.Split(msg.Params[0], ",") {
		if target == "" {
			continue
		}
		cp := copyForRecord(msg)
		cp.Params[0] = target
		rec := &Record{
			Time:     r.now(),
			Kind:     KindMessage,
			Source:   self,
			Outgoing: true,
			Message:  cp,
		}
		channel := NickContext
		if r.isupport.IsChannel(target) {
			channel = target
		}
		if a, ok := r.append(ctx, channel, rec); ok {
			out = append(out, &a)
		}
	}
	return out
}

// RecordShutdown writes a lifecycle record to each channel after the
// connection to peer was lost.
func (r *Recorder) RecordShutdown(ctx context.Context, peer string, channels []string) []*Appended {
	var out []*Appended
	rec := &Record{
		Time: r.now(),
		Kind: KindShutdown,
		Peer: peer,
	}
	for _, ch := range channels {
		if a, ok := r.append(ctx, ch, rec); ok {
			out = append(out, &a)
		}
	}
	return out
}

// Reset drops the backlog of a channel and replaces it with a snapshot of
// the channel state.
func (r *Recorder) Reset(ctx context.Context, channel string, snapshot *Snapshot) error {
	_, err := r.store.Reset(ctx, r.ContextName(channel), &Record{
		Time:     r.now(),
		Kind:     KindSnapshot,
		Snapshot: snapshot,
	})
	return err
}

// Load returns the records of a channel, or of the nick context if channel
// is empty.
func (r *Recorder) Load(ctx context.Context, channel string) ([]*Record, error) {
	return r.store.Load(ctx, r.ContextName(channel))
}

// Discard drops the records of a context up to and including seq.
func (r *Recorder) Discard(ctx context.Context, name string, upTo uint64) (int, error) {
	return r.store.Discard(ctx, name, upTo)
}

func (r *Recorder) Close() error {
	return r.store.Close()
}
