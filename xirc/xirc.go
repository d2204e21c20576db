// Package xirc contains an extended IRC library.
package xirc

import (
	"fmt"
	"strings"

	"gopkg.in/irc.v4"
)

const MaxSASLLength = 400

const (
	RPL_STATSPING     = "246"
	RPL_TRYAGAIN      = "263"
	RPL_LOCALUSERS    = "265"
	RPL_GLOBALUSERS   = "266"
	RPL_CREATIONTIME  = "329"
	RPL_TOPICWHOTIME  = "333"
	RPL_VISIBLEHOST   = "396"
	ERR_UNKNOWNERROR  = "400"
	ERR_INVALIDCAPCMD = "410"
	RPL_LOGGEDIN      = "900"
	RPL_LOGGEDOUT     = "901"
	ERR_NICKLOCKED    = "902"
	RPL_SASLSUCCESS   = "903"
	ERR_SASLFAIL      = "904"
	ERR_SASLTOOLONG   = "905"
	ERR_SASLABORTED   = "906"
	ERR_SASLALREADY   = "907"
	RPL_SASLMECHS     = "908"
)

// IsNumeric reports whether cmd is a three-digit numeric reply.
func IsNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for i := 0; i < len(cmd); i++ {
		if cmd[i] < '0' || cmd[i] > '9' {
			return false
		}
	}
	return true
}

// CTCPFragment is a piece of a PRIVMSG/NOTICE text, either plain text or
// the contents of a CTCP request delimited by \x01.
type CTCPFragment struct {
	Text string
	CTCP bool
}

// SplitCTCP splits a message text into alternating plain text and CTCP
// fragments. Empty plain text fragments are omitted.
func SplitCTCP(text string) []CTCPFragment {
	var frags []CTCPFragment
	for i, s := range strings.Split(text, "\x01") {
		ctcp := i%2 == 1
		if s == "" && !ctcp {
			continue
		}
		frags = append(frags, CTCPFragment{Text: s, CTCP: ctcp})
	}
	return frags
}

// ParseCTCPMessage parses a CTCP message. CTCP is defined in
// https://tools.ietf.org/html/draft-oakley-irc-ctcp-02
func ParseCTCPMessage(msg *irc.Message) (cmd string, params string, ok bool) {
	if (msg.Command != "PRIVMSG" && msg.Command != "NOTICE") || len(msg.Params) < 2 {
		return "", "", false
	}
	text := msg.Params[1]

	if !strings.HasPrefix(text, "\x01") {
		return "", "", false
	}
	text = strings.Trim(text, "\x01")

	words := strings.SplitN(text, " ", 2)
	cmd = strings.ToUpper(words[0])
	if len(words) > 1 {
		params = words[1]
	}

	return cmd, params, true
}

type ChannelStatus byte

const (
	ChannelPublic  ChannelStatus = '='
	ChannelSecret  ChannelStatus = '@'
	ChannelPrivate ChannelStatus = '*'
)

func ParseChannelStatus(s string) (ChannelStatus, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid channel status %q: expected exactly one character", s)
	}
	switch cs := ChannelStatus(s[0]); cs {
	case ChannelPublic, ChannelSecret, ChannelPrivate:
		return cs, nil
	default:
		return 0, fmt.Errorf("invalid channel status %q: unknown status", s)
	}
}

// Membership is a channel member rank.
type Membership struct {
	Mode   byte
	Prefix byte
}

// MembershipSet is a set of memberships sorted by descending rank.
type MembershipSet []Membership

func (ms *MembershipSet) Add(availableMemberships []Membership, newMembership Membership) {
	l := *ms
	i := 0
	for _, availableMembership := range availableMemberships {
		if i >= len(l) {
			break
		}
		if l[i] == availableMembership {
			if availableMembership == newMembership {
				// we already have this membership
				return
			}
			i++
			continue
		}
		if availableMembership == newMembership {
			break
		}
	}
	// insert newMembership at i
	l = append(l, Membership{})
	copy(l[i+1:], l[i:])
	l[i] = newMembership
	*ms = l
}

func (ms *MembershipSet) Remove(membership Membership) {
	l := *ms
	for i, m := range l {
		if m == membership {
			*ms = append(l[:i], l[i+1:]...)
			return
		}
	}
}

func (ms MembershipSet) Has(membership Membership) bool {
	for _, m := range ms {
		if m == membership {
			return true
		}
	}
	return false
}

// HasAbove reports whether the set holds a rank strictly higher than
// membership, according to the order of availableMemberships.
func (ms MembershipSet) HasAbove(availableMemberships []Membership, membership Membership) bool {
	for _, m := range availableMemberships {
		if m == membership {
			return false
		}
		if ms.Has(m) {
			return true
		}
	}
	return false
}

// Format returns the prefix characters of the set, highest rank first. If
// multiPrefix is false, only the highest rank is returned.
func (ms MembershipSet) Format(multiPrefix bool) string {
	if len(ms) == 0 {
		return ""
	}
	if !multiPrefix {
		return string(ms[0].Prefix)
	}
	b := make([]byte, len(ms))
	for i, m := range ms {
		b[i] = m.Prefix
	}
	return string(b)
}
