package luteus

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~luteus/luteus/xirc"
)

type ircError struct {
	Message *irc.Message
}

func newUnknownCommandError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_UNKNOWNCOMMAND,
		Params: []string{
			"*",
			cmd,
			"Unknown command",
		},
	}}
}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params: []string{
			"*",
			cmd,
			"Not enough parameters",
		},
	}}
}

func newTryAgainError(cmd, text string) ircError {
	return ircError{&irc.Message{
		Command: xirc.RPL_TRYAGAIN,
		Params: []string{
			"*",
			cmd,
			text,
		},
	}}
}

func (err ircError) Error() string {
	return err.Message.String()
}

type registrationError struct {
	*irc.Message
}

func (err registrationError) Error() string {
	return fmt.Sprintf("registration error (%v): %v", err.Command, err.Reason())
}

func (err registrationError) Reason() string {
	if len(err.Params) > 0 {
		return err.Params[len(err.Params)-1]
	}
	return err.Command
}

// protocolError is returned when a message is inconsistent with the tracked
// state.
type protocolError struct {
	Message *irc.Message
	Reason  string
}

func (err *protocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (in %q)", err.Reason, err.Message.String())
}

func newProtocolError(msg *irc.Message, format string, v ...interface{}) error {
	return &protocolError{Message: msg, Reason: fmt.Sprintf(format, v...)}
}

type modeSet string

func (ms modeSet) Has(c byte) bool {
	return strings.IndexByte(string(ms), c) >= 0
}

func (ms *modeSet) Add(c byte) {
	if !ms.Has(c) {
		*ms += modeSet(c)
	}
}

func (ms *modeSet) Del(c byte) {
	i := strings.IndexByte(string(*ms), c)
	if i >= 0 {
		*ms = (*ms)[:i] + (*ms)[i+1:]
	}
}

func (ms *modeSet) Apply(s string) error {
	var plusMinus byte
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+', '-':
			plusMinus = c
		default:
			switch plusMinus {
			case '+':
				ms.Add(c)
			case '-':
				ms.Del(c)
			default:
				return fmt.Errorf("malformed modestring %q: missing plus/minus", s)
			}
		}
	}
	return nil
}

// nickInitChars are the bytes a nickname may start with.
const nickInitChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}"

func isNickStart(s string) bool {
	return s != "" && strings.IndexByte(nickInitChars, s[0]) >= 0
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// randomToken returns "C" followed by the hex representation of a random
// number of the given size.
func randomToken(bits int) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	v := binary.BigEndian.Uint64(b[:])
	if bits < 64 {
		v &= 1<<uint(bits) - 1
	}
	return fmt.Sprintf("C%x", v)
}

// splitTargets splits a comma-separated list of targets.
func splitTargets(s string) []string {
	var l []string
	for _, target := range strings.Split(s, ",") {
		if target != "" {
			l = append(l, target)
		}
	}
	return l
}
