package market

import "testing"

func TestOpposite(t *testing.T) {
	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Expected BUY and SELL to be opposites")
	}
	if Unknown.Opposite() != Unknown {
		t.Error("Expected UNKNOWN to stay UNKNOWN")
	}
}

func TestParseSide(t *testing.T) {
	tests := map[string]Side{
		"buy":    Buy,
		" LONG ": Buy,
		"Sell":   Sell,
		"short":  Sell,
		"flat":   Unknown,
		"":       Unknown,
	}
	for in, want := range tests {
		if got := ParseSide(in); got != want {
			t.Errorf("ParseSide(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRootFromContractID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CON.F.US.MNQ.Z25", "MNQ"},
		{"CON.F.US.MES.H26", "MES"},
		{"mnq", "MNQ"},
		{"CON.F", "CON.F"},
	}
	for _, tt := range tests {
		if got := RootFromContractID(tt.in); got != tt.want {
			t.Errorf("RootFromContractID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if !SameRoot("CON.F.US.MNQ.Z25", "mnq") {
		t.Error("Expected contract to match root")
	}
}
