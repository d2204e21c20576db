package backlog

import (
	"strings"

	"git.sr.ht/~luteus/luteus/xirc"
)

// Filter decides which records are worth keeping.
type Filter struct {
	// Drop messages sent by servers
	DropServers bool
	// Drop outgoing CTCP requests, except ACTION
	DropOutgoingCTCP bool
	// Drop messages sent by these nicknames
	Nicks []string
	// Drop messages with these exact prefixes (nick!user@host or server
	// name)
	Sources []string
}

// Accept reports whether a record should be stored. Nicknames and sources
// are compared with the casemapping cm.
func (f *Filter) Accept(rec *Record, cm xirc.CaseMapping) bool {
	if f == nil || rec.Kind != KindMessage {
		return true
	}
	msg := rec.Message
	prefix := msg.Prefix

	if rec.Outgoing {
		if f.DropOutgoingCTCP && isPureCTCP(msg.Params) {
			return false
		}
	} else if prefix == nil || xirc.IsServerPrefix(prefix) {
		if f.DropServers {
			return false
		}
	} else {
		for _, nick := range f.Nicks {
			if cm(nick) == cm(prefix.Name) {
				return false
			}
		}
	}

	if prefix != nil {
		for _, src := range f.Sources {
			if cm(src) == cm(prefix.String()) {
				return false
			}
		}
	}
	return true
}

// isPureCTCP reports whether a PRIVMSG/NOTICE only carries CTCP requests,
// none of them an ACTION.
func isPureCTCP(params []string) bool {
	if len(params) < 2 {
		return false
	}
	frags := xirc.SplitCTCP(params[len(params)-1])
	if len(frags) == 0 {
		return false
	}
	for _, frag := range frags {
		if !frag.CTCP || strings.HasPrefix(frag.Text, "ACTION") {
			return false
		}
	}
	return true
}
