package xirc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/irc.v4"
)

var (
	// ErrMalformed is returned when a line cannot be parsed as a message.
	ErrMalformed = errors.New("xirc: malformed message")
	// ErrBadParam is returned when a message parameter other than the last
	// one contains a space, is empty or starts with a colon.
	ErrBadParam = errors.New("xirc: bad parameter")
	// ErrForbiddenByte is returned when a message contains NUL, CR or LF.
	ErrForbiddenByte = errors.New("xirc: forbidden byte")
)

// ParseMessage parses a single line into a message. Trailing CR/LF bytes are
// ignored.
func ParseMessage(line string) (*irc.Message, error) {
	line = strings.TrimRight(line, "\r\n")

	msg := &irc.Message{}
	if strings.HasPrefix(line, "@") {
		i := strings.IndexByte(line, ' ')
		if i < 0 {
			return nil, fmt.Errorf("%w: missing command in %q", ErrMalformed, line)
		}
		msg.Tags = parseTags(line[1:i])
		line = line[i+1:]
	}

	var params []string
	for line != "" {
		if line[0] == ' ' {
			line = line[1:]
			continue
		}
		if line[0] == ':' && msg.Command != "" {
			params = append(params, line[1:])
			break
		}

		var tok string
		if i := strings.IndexByte(line, ' '); i >= 0 {
			tok, line = line[:i], line[i+1:]
		} else {
			tok, line = line, ""
		}

		switch {
		case msg.Prefix == nil && msg.Command == "" && tok[0] == ':':
			if len(tok) == 1 {
				return nil, fmt.Errorf("%w: empty prefix", ErrMalformed)
			}
			msg.Prefix = irc.ParsePrefix(tok[1:])
		case msg.Command == "":
			msg.Command = strings.ToUpper(tok)
		default:
			params = append(params, tok)
		}
	}

	if msg.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	msg.Params = params
	return msg, nil
}

var tagValueDecoder = strings.NewReplacer(
	"\\:", ";",
	"\\s", " ",
	"\\\\", "\\",
	"\\r", "\r",
	"\\n", "\n",
)

func parseTags(s string) irc.Tags {
	tags := make(irc.Tags)
	for _, raw := range strings.Split(s, ";") {
		if raw == "" {
			continue
		}
		k, v, _ := strings.Cut(raw, "=")
		tags[k] = tagValueDecoder.Replace(v)
	}
	return tags
}

func checkToken(s string) error {
	if strings.ContainsAny(s, "\x00\r\n") {
		return fmt.Errorf("%w in %q", ErrForbiddenByte, s)
	}
	return nil
}

func needsColon(param string) bool {
	return param == "" || param[0] == ':' || strings.IndexByte(param, ' ') >= 0
}

// hasPrefix reports whether msg carries an origin. irc.v4 parses messages
// without one into an empty, non-nil prefix.
func hasPrefix(msg *irc.Message) bool {
	return msg.Prefix != nil && (msg.Prefix.Name != "" || msg.Prefix.User != "" || msg.Prefix.Host != "")
}

// FormatMessage serializes a message, terminated by CRLF. Tags are not
// serialized.
func FormatMessage(msg *irc.Message) (string, error) {
	var sb strings.Builder
	if hasPrefix(msg) {
		p := msg.Prefix.String()
		if p == "" || strings.IndexByte(p, ' ') >= 0 {
			return "", fmt.Errorf("%w: invalid prefix %q", ErrBadParam, p)
		}
		if err := checkToken(p); err != nil {
			return "", err
		}
		sb.WriteByte(':')
		sb.WriteString(p)
		sb.WriteByte(' ')
	}

	if msg.Command == "" || strings.IndexByte(msg.Command, ' ') >= 0 {
		return "", fmt.Errorf("%w: invalid command %q", ErrBadParam, msg.Command)
	}
	if err := checkToken(msg.Command); err != nil {
		return "", err
	}
	sb.WriteString(msg.Command)

	for i, p := range msg.Params {
		if err := checkToken(p); err != nil {
			return "", err
		}
		sb.WriteByte(' ')
		if needsColon(p) {
			if i != len(msg.Params)-1 {
				return "", fmt.Errorf("%w: parameter %d of %v: %q", ErrBadParam, i, msg.Command, p)
			}
			sb.WriteByte(':')
		}
		sb.WriteString(p)
	}

	sb.WriteString("\r\n")
	return sb.String(), nil
}

// maxLineBuffer is the maximum size of an incoming line, including tags.
const maxLineBuffer = 8191 + 512

func scanIRCLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// LineReader reads IRC lines terminated by CR, LF or both. Empty lines are
// skipped.
type LineReader struct {
	scanner *bufio.Scanner
}

func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512), maxLineBuffer)
	scanner.Split(scanIRCLines)
	return &LineReader{scanner}
}

// ReadLine returns the next non-empty line, without its terminator.
func (lr *LineReader) ReadLine() (string, error) {
	for lr.scanner.Scan() {
		if b := lr.scanner.Bytes(); len(b) > 0 {
			return string(b), nil
		}
	}
	if err := lr.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// ReadMessage reads and parses the next line. Errors wrapping ErrMalformed
// leave the reader usable.
func (lr *LineReader) ReadMessage() (*irc.Message, error) {
	line, err := lr.ReadLine()
	if err != nil {
		return nil, err
	}
	return ParseMessage(line)
}
