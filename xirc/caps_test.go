package xirc

import (
	"testing"
)

func TestCapRegistrySASL(t *testing.T) {
	testCases := []struct {
		name string
		ls   string
		want bool
	}{
		{"absent", "multi-prefix away-notify", false},
		{"bare", "sasl", true},
		{"plain", "SASL=EXTERNAL,PLAIN", true},
		{"external only", "sasl=EXTERNAL", false},
	}

	for _, tc := range testCases {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			cr := NewCapRegistry()
			cr.Advertise(tc.ls)
			if got := cr.SupportsSASL("PLAIN"); got != tc.want {
				t.Errorf("SupportsSASL(%q) = %v, but want %v", "PLAIN", got, tc.want)
			}
		})
	}
}

func TestCapRegistryWithdraw(t *testing.T) {
	cr := NewCapRegistry()
	cr.Advertise("sasl away-notify")
	cr.SetEnabled("SASL", true)
	if !cr.IsEnabled("sasl") {
		t.Fatalf("IsEnabled(%q) = false after SetEnabled", "sasl")
	}

	cr.Withdraw("SASL")
	if cr.IsEnabled("sasl") {
		t.Errorf("IsEnabled(%q) = true after Withdraw", "sasl")
	}
	if _, ok := cr.Available["away-notify"]; !ok {
		t.Errorf("Withdraw removed an unrelated capability")
	}
}
