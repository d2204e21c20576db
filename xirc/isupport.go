package xirc

import (
	"fmt"
	"sort"
	"strings"
)

// ISupportChange describes an update of a single RPL_ISUPPORT token.
type ISupportChange struct {
	Name    string
	Value   string
	Deleted bool
}

// ISupport holds the RPL_ISUPPORT tokens advertised by a server.
type ISupport struct {
	values map[string]*string
}

func NewISupport() *ISupport {
	return &ISupport{values: make(map[string]*string)}
}

// Parse merges RPL_ISUPPORT tokens (without the leading nickname and the
// trailing text) and returns the effective changes.
func (is *ISupport) Parse(tokens []string) ([]ISupportChange, error) {
	var changes []ISupportChange
	for _, token := range tokens {
		if token == "" {
			continue
		}

		if strings.HasPrefix(token, "-") {
			name := strings.ToUpper(token[1:])
			if name == "" {
				return changes, fmt.Errorf("malformed ISUPPORT token %q", token)
			}
			if _, ok := is.values[name]; ok {
				delete(is.values, name)
				changes = append(changes, ISupportChange{Name: name, Deleted: true})
			}
			continue
		}

		var value *string
		name, v, ok := strings.Cut(token, "=")
		if ok {
			value = &v
		}
		name = strings.ToUpper(name)
		if name == "" {
			return changes, fmt.Errorf("malformed ISUPPORT token %q", token)
		}

		if prev, exists := is.values[name]; exists && equalOptString(prev, value) {
			continue
		}
		is.values[name] = value
		changes = append(changes, ISupportChange{Name: name, Value: v})
	}
	return changes, nil
}

func equalOptString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Get returns the value of a token. A token advertised without a value is
// present with an empty value.
func (is *ISupport) Get(name string) (string, bool) {
	v, ok := is.values[name]
	if !ok {
		return "", false
	}
	if v == nil {
		return "", true
	}
	return *v, true
}

// Tokens returns the advertised tokens in wire form, sorted.
func (is *ISupport) Tokens() []string {
	tokens := make([]string, 0, len(is.values))
	for k, v := range is.values {
		if v != nil {
			tokens = append(tokens, k+"="+*v)
		} else {
			tokens = append(tokens, k)
		}
	}
	sort.Strings(tokens)
	return tokens
}

// CaseMapping returns the advertised casemapping, or CaseMappingDefault.
func (is *ISupport) CaseMapping() CaseMapping {
	if v, ok := is.Get("CASEMAPPING"); ok {
		if cm := ParseCaseMapping(v); cm != nil {
			return cm
		}
	}
	return CaseMappingDefault
}

// ChanTypes returns the channel name prefixes, "#&" by default.
func (is *ISupport) ChanTypes() string {
	if v, ok := is.Get("CHANTYPES"); ok {
		return v
	}
	return "#&"
}

// IsChannel reports whether name is a channel name.
func (is *ISupport) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(is.ChanTypes(), name[0]) >= 0
}
