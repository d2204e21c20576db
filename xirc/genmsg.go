package xirc

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/irc.v4"
)

// GenerateJoin builds JOIN messages for the given channels. Channels with a
// key are put first, so that the key list lines up with the channel list.
func GenerateJoin(channels, keys []string, limits Limits) []*irc.Message {
	js := joinSorter{
		channels: append([]string(nil), channels...),
		keys:     append([]string(nil), keys...),
	}
	for len(js.keys) < len(js.channels) {
		js.keys = append(js.keys, "")
	}
	sort.Stable(&js)

	// Two spaces because there are three words (JOIN, channels and keys)
	maxLength := limits.MaxLength - (len("JOIN") + 2) - len("\r\n")

	var msgs []*irc.Message
	var channelsBuf, keysBuf strings.Builder
	flush := func() {
		params := []string{channelsBuf.String()}
		if keysBuf.Len() > 0 {
			params = append(params, keysBuf.String())
		}
		msgs = append(msgs, &irc.Message{Command: "JOIN", Params: params})
		channelsBuf.Reset()
		keysBuf.Reset()
	}

	for i, channel := range js.channels {
		key := js.keys[i]

		n := channelsBuf.Len() + keysBuf.Len() + 1 + len(channel)
		if key != "" {
			n += 1 + len(key)
		}

		if channelsBuf.Len() > 0 && n > maxLength {
			// No room for the new channel in this message
			flush()
		}

		if channelsBuf.Len() > 0 {
			channelsBuf.WriteByte(',')
		}
		channelsBuf.WriteString(channel)
		if key != "" {
			if keysBuf.Len() > 0 {
				keysBuf.WriteByte(',')
			}
			keysBuf.WriteString(key)
		}
	}
	if channelsBuf.Len() > 0 {
		flush()
	}

	return msgs
}

type joinSorter struct {
	channels []string
	keys     []string
}

func (js *joinSorter) Len() int {
	return len(js.channels)
}

func (js *joinSorter) Less(i, j int) bool {
	// Only one of the channels has a key
	return js.keys[i] != "" && js.keys[j] == ""
}

func (js *joinSorter) Swap(i, j int) {
	js.channels[i], js.channels[j] = js.channels[j], js.channels[i]
	js.keys[i], js.keys[j] = js.keys[j], js.keys[i]
}

// GenerateIsupport builds RPL_ISUPPORT messages advertising tokens.
func GenerateIsupport(nick string, tokens []string, limits Limits) ([]*irc.Message, error) {
	return FragmentArgs(&irc.Message{
		Command: irc.RPL_ISUPPORT,
		Params:  []string{nick},
	}, tokens, []string{"are supported by this server"}, limits)
}

// GenerateMOTD builds the MOTD reply burst. An empty MOTD yields
// ERR_NOMOTD.
func GenerateMOTD(nick, server string, lines []string) []*irc.Message {
	if len(lines) == 0 {
		return []*irc.Message{{
			Command: irc.ERR_NOMOTD,
			Params:  []string{nick, "MOTD File is missing"},
		}}
	}

	var msgs []*irc.Message
	msgs = append(msgs, &irc.Message{
		Command: irc.RPL_MOTDSTART,
		Params:  []string{nick, fmt.Sprintf("- %v Message of the Day -", server)},
	})

	for _, l := range lines {
		msgs = append(msgs, &irc.Message{
			Command: irc.RPL_MOTD,
			Params:  []string{nick, "- " + l},
		})
	}

	msgs = append(msgs, &irc.Message{
		Command: irc.RPL_ENDOFMOTD,
		Params:  []string{nick, "End of /MOTD command."},
	})

	return msgs
}

// GenerateNamesReply builds RPL_NAMREPLY messages for members, followed by
// RPL_ENDOFNAMES.
func GenerateNamesReply(nick, channel string, status ChannelStatus, members []string, limits Limits) ([]*irc.Message, error) {
	msgs, err := FragmentJoined(&irc.Message{
		Command: irc.RPL_NAMREPLY,
		Params:  []string{nick, string(status), channel},
	}, members, " ", nil, limits)
	if err != nil {
		return nil, err
	}

	msgs = append(msgs, &irc.Message{
		Command: irc.RPL_ENDOFNAMES,
		Params:  []string{nick, channel, "End of /NAMES list"},
	})
	return msgs, nil
}

func GenerateSASL(resp []byte) []*irc.Message {
	encoded := base64.StdEncoding.EncodeToString(resp)

	// <= instead of < because we need to send a final empty response if
	// the last chunk is exactly 400 bytes long
	var msgs []*irc.Message
	for i := 0; i <= len(encoded); i += MaxSASLLength {
		j := i + MaxSASLLength
		if j > len(encoded) {
			j = len(encoded)
		}

		chunk := encoded[i:j]
		if chunk == "" {
			chunk = "+"
		}

		msgs = append(msgs, &irc.Message{
			Command: "AUTHENTICATE",
			Params:  []string{chunk},
		})
	}
	return msgs
}
