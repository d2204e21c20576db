package xirc

import (
	"sort"
)

func casemapNone(name string) string {
	return name
}

// casemapASCII of name is the canonical representation of name according to
// the ascii casemapping.
func casemapASCII(name string) string {
	nameBytes := []byte(name)
	for i, r := range nameBytes {
		if 'A' <= r && r <= 'Z' {
			nameBytes[i] = r + 'a' - 'A'
		}
	}
	return string(nameBytes)
}

// casemapRFC1459 of name is the canonical representation of name according to
// the rfc1459 casemapping: []\^ are the upper-case forms of {}|~.
func casemapRFC1459(name string) string {
	nameBytes := []byte(name)
	for i, r := range nameBytes {
		if 'A' <= r && r <= '^' {
			// A-Z, [ \ ] ^
			nameBytes[i] = r + 'a' - 'A'
		}
	}
	return string(nameBytes)
}

// casemapRFC1459Strict of name is the canonical representation of name
// according to the rfc1459-strict casemapping, which doesn't fold ^ and ~.
func casemapRFC1459Strict(name string) string {
	nameBytes := []byte(name)
	for i, r := range nameBytes {
		if 'A' <= r && r <= ']' {
			// A-Z, [ \ ]
			nameBytes[i] = r + 'a' - 'A'
		}
	}
	return string(nameBytes)
}

type CaseMapping func(string) string

var (
	CaseMappingNone          CaseMapping = casemapNone
	CaseMappingASCII         CaseMapping = casemapASCII
	CaseMappingRFC1459       CaseMapping = casemapRFC1459
	CaseMappingRFC1459Strict CaseMapping = casemapRFC1459Strict
)

// CaseMappingDefault is used until the server advertises CASEMAPPING.
var CaseMappingDefault = CaseMappingRFC1459

// ParseCaseMapping returns the casemapping with the given ISUPPORT name, or
// nil if unknown.
func ParseCaseMapping(s string) CaseMapping {
	var cm CaseMapping
	switch s {
	case "ascii":
		cm = CaseMappingASCII
	case "rfc1459":
		cm = CaseMappingRFC1459
	case "rfc1459-strict":
		cm = CaseMappingRFC1459Strict
	}
	return cm
}

type caseMapEntry[V any] struct {
	name  string
	value V
}

// CaseMap is a map keyed by IRC identifiers. Lookups fold names with the
// current casemapping, iteration yields names with their original spelling.
type CaseMap[V any] struct {
	m       map[string]caseMapEntry[V]
	casemap CaseMapping
}

func NewCaseMap[V any](cm CaseMapping) *CaseMap[V] {
	if cm == nil {
		cm = CaseMappingDefault
	}
	return &CaseMap[V]{
		m:       make(map[string]caseMapEntry[V]),
		casemap: cm,
	}
}

func (cm *CaseMap[V]) Get(name string) (V, bool) {
	entry, ok := cm.m[cm.casemap(name)]
	return entry.value, ok
}

func (cm *CaseMap[V]) Has(name string) bool {
	_, ok := cm.m[cm.casemap(name)]
	return ok
}

// Name returns the spelling name was stored with.
func (cm *CaseMap[V]) Name(name string) (string, bool) {
	entry, ok := cm.m[cm.casemap(name)]
	return entry.name, ok
}

// Set stores value under name, replacing the original spelling.
func (cm *CaseMap[V]) Set(name string, value V) {
	cm.m[cm.casemap(name)] = caseMapEntry[V]{name, value}
}

func (cm *CaseMap[V]) Del(name string) {
	delete(cm.m, cm.casemap(name))
}

func (cm *CaseMap[V]) Len() int {
	return len(cm.m)
}

func (cm *CaseMap[V]) Clear() {
	cm.m = make(map[string]caseMapEntry[V])
}

// Names returns the original spelling of all keys, sorted.
func (cm *CaseMap[V]) Names() []string {
	names := make([]string, 0, len(cm.m))
	for _, entry := range cm.m {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// ForEach calls f for each entry, in name order.
func (cm *CaseMap[V]) ForEach(f func(name string, value V)) {
	for _, name := range cm.Names() {
		f(name, cm.m[cm.casemap(name)].value)
	}
}

// SetCaseMapping re-keys the map with a new casemapping. When two names
// collide under the new casemapping, one of them is dropped.
func (cm *CaseMap[V]) SetCaseMapping(casemap CaseMapping) {
	m := make(map[string]caseMapEntry[V], len(cm.m))
	for _, entry := range cm.m {
		m[casemap(entry.name)] = entry
	}
	cm.m = m
	cm.casemap = casemap
}
