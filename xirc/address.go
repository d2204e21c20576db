package xirc

import (
	"strings"

	"gopkg.in/irc.v4"
)

// IsServerPrefix reports whether a message prefix designates a server rather
// than a user: a bare name containing a dot.
func IsServerPrefix(p *irc.Prefix) bool {
	return p != nil && p.User == "" && p.Host == "" && strings.IndexByte(p.Name, '.') >= 0
}

// EqualPrefix compares two prefixes. Server names are compared verbatim,
// nicknames with the casemapping cm. User and host parts are ignored.
func EqualPrefix(cm CaseMapping, a, b *irc.Prefix) bool {
	if a == nil || b == nil {
		return a == b
	}
	aServer, bServer := IsServerPrefix(a), IsServerPrefix(b)
	if aServer != bServer {
		return false
	}
	if aServer {
		return a.Name == b.Name
	}
	return cm(a.Name) == cm(b.Name)
}
