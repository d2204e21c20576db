package xirc

import (
	"fmt"
	"strings"
)

// ModeClass describes how a channel mode takes arguments.
type ModeClass byte

const (
	// Adds or removes an entry of a list, always takes an argument
	ModeList ModeClass = 'A'
	// Sets a value, always takes an argument
	ModeString ModeClass = 'B'
	// Sets a value, takes an argument only when set
	ModeOptString ModeClass = 'C'
	// Flag, never takes an argument
	ModeBool ModeClass = 'D'
	// Member rank, always takes a nickname argument
	ModeRank ModeClass = 'P'
)

const (
	defaultChanModes = "b,k,l,psitnm"
	defaultPrefix    = "(ov)@+"
)

// ChannelModes is the channel mode table derived from the CHANMODES and
// PREFIX ISUPPORT tokens.
type ChannelModes struct {
	classes map[byte]ModeClass
	// Ranks sorted by descending order
	Ranks []Membership
}

func NewChannelModes() *ChannelModes {
	cm := &ChannelModes{}
	if err := cm.SetChanModes(defaultChanModes); err != nil {
		panic(err)
	}
	if err := cm.SetPrefix(defaultPrefix); err != nil {
		panic(err)
	}
	return cm
}

// SetChanModes replaces the non-rank modes with a CHANMODES value.
func (cm *ChannelModes) SetChanModes(s string) error {
	groups := strings.Split(s, ",")
	if len(groups) < 4 {
		return fmt.Errorf("malformed CHANMODES value %q: expected at least 4 groups", s)
	}

	classes := make(map[byte]ModeClass)
	for i, class := range []ModeClass{ModeList, ModeString, ModeOptString, ModeBool} {
		for j := 0; j < len(groups[i]); j++ {
			classes[groups[i][j]] = class
		}
	}
	for _, m := range cm.Ranks {
		classes[m.Mode] = ModeRank
	}
	cm.classes = classes
	return nil
}

// SetPrefix replaces the rank modes with a PREFIX value.
func (cm *ChannelModes) SetPrefix(s string) error {
	var ranks []Membership
	if s != "" {
		if s[0] != '(' {
			return fmt.Errorf("malformed PREFIX value %q: missing opening parenthesis", s)
		}
		modes, prefixes, ok := strings.Cut(s[1:], ")")
		if !ok {
			return fmt.Errorf("malformed PREFIX value %q: missing closing parenthesis", s)
		}
		if len(modes) != len(prefixes) {
			return fmt.Errorf("malformed PREFIX value %q: modes and prefixes differ in length", s)
		}
		for i := 0; i < len(modes); i++ {
			ranks = append(ranks, Membership{Mode: modes[i], Prefix: prefixes[i]})
		}
	}

	if cm.classes == nil {
		cm.classes = make(map[byte]ModeClass)
	}
	for _, m := range cm.Ranks {
		delete(cm.classes, m.Mode)
	}
	for _, m := range ranks {
		cm.classes[m.Mode] = ModeRank
	}
	cm.Ranks = ranks
	return nil
}

func (cm *ChannelModes) Class(mode byte) (ModeClass, bool) {
	class, ok := cm.classes[mode]
	return class, ok
}

// ForEach calls f for each known non-rank mode.
func (cm *ChannelModes) ForEach(f func(mode byte, class ModeClass)) {
	for mode, class := range cm.classes {
		if class != ModeRank {
			f(mode, class)
		}
	}
}

func (cm *ChannelModes) RankByMode(mode byte) (Membership, bool) {
	for _, m := range cm.Ranks {
		if m.Mode == mode {
			return m, true
		}
	}
	return Membership{}, false
}

func (cm *ChannelModes) RankByPrefix(prefix byte) (Membership, bool) {
	for _, m := range cm.Ranks {
		if m.Prefix == prefix {
			return m, true
		}
	}
	return Membership{}, false
}

// ParseMemberPrefix strips the rank prefixes of a RPL_NAMREPLY entry.
func (cm *ChannelModes) ParseMemberPrefix(s string) (MembershipSet, string) {
	var ms MembershipSet
	for len(s) > 0 {
		m, ok := cm.RankByPrefix(s[0])
		if !ok {
			break
		}
		ms.Add(cm.Ranks, m)
		s = s[1:]
	}
	return ms, s
}

// ModeChange is a single change extracted from a MODE message.
type ModeChange struct {
	Plus  bool
	Mode  byte
	Class ModeClass
	Arg   string
}

// ParseModeChanges splits a channel mode string and its arguments into
// individual changes.
func (cm *ChannelModes) ParseModeChanges(modeStr string, args []string) ([]ModeChange, error) {
	var changes []ModeChange
	var plusMinus byte
	for i := 0; i < len(modeStr); i++ {
		mode := modeStr[i]
		if mode == '+' || mode == '-' {
			plusMinus = mode
			continue
		}
		if plusMinus == 0 {
			return changes, fmt.Errorf("malformed modestring %q: missing plus/minus", modeStr)
		}

		class, ok := cm.classes[mode]
		if !ok {
			return changes, fmt.Errorf("unknown channel mode %q", mode)
		}

		change := ModeChange{Plus: plusMinus == '+', Mode: mode, Class: class}
		var needsArg bool
		switch class {
		case ModeList, ModeString, ModeRank:
			needsArg = true
		case ModeOptString:
			needsArg = change.Plus
		}
		if class == ModeString && !change.Plus && len(args) == 0 {
			// Some servers omit the key when unsetting it
			needsArg = false
		}
		if needsArg {
			if len(args) == 0 {
				return changes, fmt.Errorf("malformed modestring %q: missing argument for mode %q", modeStr, mode)
			}
			change.Arg, args = args[0], args[1:]
		}
		changes = append(changes, change)
	}
	return changes, nil
}
