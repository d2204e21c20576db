package xirc

import (
	"strings"
)

// CapRegistry tracks the IRCv3 capabilities advertised and acknowledged by
// an upstream server. Names are stored lower-case.
type CapRegistry struct {
	Available map[string]string
	Enabled   map[string]struct{}
}

func NewCapRegistry() CapRegistry {
	return CapRegistry{
		Available: make(map[string]string),
		Enabled:   make(map[string]struct{}),
	}
}

// Advertise records the capabilities listed in a CAP LS or CAP NEW reply.
func (cr *CapRegistry) Advertise(list string) {
	for _, s := range strings.Fields(list) {
		k, v, _ := strings.Cut(s, "=")
		cr.Available[strings.ToLower(k)] = v
	}
}

// Withdraw removes the capabilities listed in a CAP DEL reply.
func (cr *CapRegistry) Withdraw(list string) {
	for _, name := range strings.Fields(list) {
		name = strings.ToLower(name)
		delete(cr.Available, name)
		delete(cr.Enabled, name)
	}
}

func (cr *CapRegistry) SetEnabled(name string, enabled bool) {
	if enabled {
		cr.Enabled[strings.ToLower(name)] = struct{}{}
	} else {
		delete(cr.Enabled, strings.ToLower(name))
	}
}

func (cr *CapRegistry) IsEnabled(name string) bool {
	_, ok := cr.Enabled[strings.ToLower(name)]
	return ok
}

// SupportsSASL reports whether the server advertises SASL with the given
// mechanism. A bare "sasl" capability doesn't list mechanisms and is
// assumed to support any.
func (cr *CapRegistry) SupportsSASL(mech string) bool {
	v, ok := cr.Available["sasl"]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	for _, m := range strings.Split(v, ",") {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}
