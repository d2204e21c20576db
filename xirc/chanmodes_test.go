package xirc

import (
	"reflect"
	"testing"
)

func TestParseModeChanges(t *testing.T) {
	cm := NewChannelModes()

	changes, err := cm.ParseModeChanges("+ob-l+k", []string{"alice", "*!*@spam", "secret"})
	if err != nil {
		t.Fatalf("ParseModeChanges() failed: %v", err)
	}
	want := []ModeChange{
		{Plus: true, Mode: 'o', Class: ModeRank, Arg: "alice"},
		{Plus: true, Mode: 'b', Class: ModeList, Arg: "*!*@spam"},
		{Plus: false, Mode: 'l', Class: ModeOptString},
		{Plus: true, Mode: 'k', Class: ModeString, Arg: "secret"},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("ParseModeChanges() = %+v, but want %+v", changes, want)
	}

	for _, tc := range []struct {
		modes string
		args  []string
	}{
		{"+k", nil},
		{"+b", nil},
		{"o", []string{"alice"}},
		{"+Z", nil},
	} {
		if _, err := cm.ParseModeChanges(tc.modes, tc.args); err == nil {
			t.Errorf("ParseModeChanges(%q, %q) should fail", tc.modes, tc.args)
		}
	}
}

func TestChannelModesISupport(t *testing.T) {
	cm := NewChannelModes()
	if err := cm.SetPrefix("(qaohv)~&@%+"); err != nil {
		t.Fatalf("SetPrefix() failed: %v", err)
	}
	if err := cm.SetChanModes("beI,k,l,imnpst"); err != nil {
		t.Fatalf("SetChanModes() failed: %v", err)
	}

	if class, ok := cm.Class('h'); !ok || class != ModeRank {
		t.Errorf("Class(h) = %v, %v, but want ModeRank", class, ok)
	}
	if class, ok := cm.Class('I'); !ok || class != ModeList {
		t.Errorf("Class(I) = %v, %v, but want ModeList", class, ok)
	}

	ms, nick := cm.ParseMemberPrefix("@+bob")
	if nick != "bob" {
		t.Errorf("ParseMemberPrefix() nick = %q, but want bob", nick)
	}
	if ms.Format(true) != "@+" {
		t.Errorf("ParseMemberPrefix() memberships = %q, but want @+", ms.Format(true))
	}

	op, _ := cm.RankByMode('o')
	halfop, _ := cm.RankByMode('h')
	if !ms.HasAbove(cm.Ranks, halfop) {
		t.Errorf("an operator should rank above a half-operator")
	}
	if ms.HasAbove(cm.Ranks, op) {
		t.Errorf("an operator should not rank above an operator")
	}

	if err := cm.SetPrefix("(ov@+"); err == nil {
		t.Errorf("SetPrefix() should fail on malformed input")
	}
	if err := cm.SetChanModes("b,k"); err == nil {
		t.Errorf("SetChanModes() should fail on malformed input")
	}
}
