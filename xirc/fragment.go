package xirc

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/irc.v4"
)

// ErrLineTooLong is returned when a single item cannot fit in a line of its
// own.
var ErrLineTooLong = errors.New("xirc: line too long")

// Limits bounds the size of outgoing lines.
type Limits struct {
	// Maximum line length in bytes, including the CRLF terminator
	MaxLength int
	// Maximum number of parameters
	MaxParams int
}

var DefaultLimits = Limits{
	MaxLength: 512,
	MaxParams: 15,
}

// LineLength returns the length of the serialized message, including the
// CRLF terminator. It doesn't validate the message.
func LineLength(msg *irc.Message) int {
	n := len(msg.Command) + 2
	if hasPrefix(msg) {
		n += len(msg.Prefix.String()) + 2
	}
	for i, p := range msg.Params {
		n += 1 + len(p)
		if i == len(msg.Params)-1 && needsColon(p) {
			n++
		}
	}
	return n
}

// TrimLastParam shortens the last parameter of msg in place so that the line
// fits in limits.MaxLength. UTF-8 sequences are never cut in half. It returns
// the number of bytes removed.
func TrimLastParam(msg *irc.Message, limits Limits) int {
	if len(msg.Params) == 0 {
		return 0
	}
	last := len(msg.Params) - 1
	orig := msg.Params[last]

	excess := LineLength(msg) - limits.MaxLength
	if excess <= 0 {
		return 0
	}

	n := len(orig) - excess
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(orig[n]) {
		n--
	}
	msg.Params[last] = orig[:n]

	// Trimming may have removed the need for a colon, or added one
	for n > 0 && LineLength(msg) > limits.MaxLength {
		n--
		for n > 0 && !utf8.RuneStart(orig[n]) {
			n--
		}
		msg.Params[last] = orig[:n]
	}

	return len(orig) - n
}

func checkItem(item string) error {
	if needsColon(item) {
		return fmt.Errorf("%w: %q", ErrBadParam, item)
	}
	return checkToken(item)
}

func fragmentBase(base *irc.Message, middle []string, trailer []string) *irc.Message {
	params := make([]string, 0, len(base.Params)+len(middle)+len(trailer))
	params = append(params, base.Params...)
	params = append(params, middle...)
	params = append(params, trailer...)
	return &irc.Message{
		Prefix:  base.Prefix,
		Command: base.Command,
		Params:  params,
	}
}

// FragmentArgs spreads args over as many messages as needed. Each message
// starts with the prefix, command and parameters of base, continues with as
// many args as fit and ends with trailer.
//
// Args must be valid middle parameters.
func FragmentArgs(base *irc.Message, args, trailer []string, limits Limits) ([]*irc.Message, error) {
	baseLen := LineLength(fragmentBase(base, nil, trailer))
	maxArgs := limits.MaxParams - len(base.Params) - len(trailer)
	if maxArgs <= 0 {
		return nil, fmt.Errorf("%w: no room for arguments in %v", ErrLineTooLong, base.Command)
	}

	var msgs []*irc.Message
	var cur []string
	n := baseLen
	for _, arg := range args {
		if err := checkItem(arg); err != nil {
			return nil, err
		}
		if baseLen+1+len(arg) > limits.MaxLength {
			return nil, fmt.Errorf("%w: argument %q", ErrLineTooLong, arg)
		}

		if len(cur) > 0 && (n+1+len(arg) > limits.MaxLength || len(cur) >= maxArgs) {
			msgs = append(msgs, fragmentBase(base, cur, trailer))
			cur = nil
			n = baseLen
		}
		cur = append(cur, arg)
		n += 1 + len(arg)
	}
	if len(cur) > 0 {
		msgs = append(msgs, fragmentBase(base, cur, trailer))
	}
	return msgs, nil
}

// FragmentJoined joins items with sep into a single parameter, placed between
// the parameters of base and trailer, and splits it over as many messages as
// needed.
func FragmentJoined(base *irc.Message, items []string, sep string, trailer []string, limits Limits) ([]*irc.Message, error) {
	if len(base.Params)+1+len(trailer) > limits.MaxParams {
		return nil, fmt.Errorf("%w: too many parameters in %v", ErrLineTooLong, base.Command)
	}

	// The empty placeholder accounts for the colon when the joined
	// parameter comes last
	baseLen := LineLength(fragmentBase(base, []string{""}, trailer))

	var msgs []*irc.Message
	var buf strings.Builder
	for _, item := range items {
		if item == "" || strings.Contains(item, sep) {
			return nil, fmt.Errorf("%w: item %q", ErrBadParam, item)
		}
		if err := checkToken(item); err != nil {
			return nil, err
		}
		if baseLen+len(item) > limits.MaxLength {
			return nil, fmt.Errorf("%w: item %q", ErrLineTooLong, item)
		}

		if buf.Len() > 0 && baseLen+buf.Len()+len(sep)+len(item) > limits.MaxLength {
			msgs = append(msgs, fragmentBase(base, []string{buf.String()}, trailer))
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(item)
	}
	if buf.Len() > 0 {
		msgs = append(msgs, fragmentBase(base, []string{buf.String()}, trailer))
	}
	return msgs, nil
}
