package bluetooth

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "upper case", input: "AA:BB:CC:DD:EE:FF", want: "AA:BB:CC:DD:EE:FF"},
		{name: "lower case", input: "aa:bb:cc:dd:ee:0f", want: "AA:BB:CC:DD:EE:0F"},
		{name: "dash separated", input: "11-22-33-44-55-66", want: "11:22:33:44:55:66"},
		{name: "surrounding space", input: "  11:22:33:44:55:66 ", want: "11:22:33:44:55:66"},
		{name: "empty", input: "", wantErr: true},
		{name: "too short", input: "AA:BB:CC:DD:EE", wantErr: true},
		{name: "mixed separators", input: "AA:BB-CC:DD:EE:FF", wantErr: true},
		{name: "not hex", input: "GG:BB:CC:DD:EE:FF", wantErr: true},
		{name: "no separators", input: "AABBCCDDEEFF00000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) error = %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseAddress(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddress_PathComponent(t *testing.T) {
	addr := MustParseAddress("aa:bb:cc:dd:ee:ff")
	if got := addr.PathComponent(); got != "dev_AA_BB_CC_DD_EE_FF" {
		t.Errorf("PathComponent() = %q, want dev_AA_BB_CC_DD_EE_FF", got)
	}
}

func TestAddress_TextRoundTrip(t *testing.T) {
	var addr Address
	if err := addr.UnmarshalText([]byte("01:02:03:04:05:06")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	text, _ := addr.MarshalText()
	if string(text) != "01:02:03:04:05:06" {
		t.Errorf("MarshalText() = %q", text)
	}
}

func TestAdapter_Label(t *testing.T) {
	if got := (Adapter{Name: "hci0"}).Label(); got != "hci0" {
		t.Errorf("Label() = %q, want hci0", got)
	}
	if got := (Adapter{Name: "hci0", Address: "00:11:22:33:44:55"}).Label(); got != "hci0 (00:11:22:33:44:55)" {
		t.Errorf("Label() = %q", got)
	}
}
