package ipfilter

import "testing"

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("greylist", nil); err == nil {
		t.Error("unknown mode must be rejected")
	}
	if _, err := New(Whitelist, []string{"10.0.0.0/33"}); err == nil {
		t.Error("invalid CIDR must be rejected")
	}
	if _, err := New(Whitelist, []string{"not-an-ip"}); err == nil {
		t.Error("garbage entry must be rejected")
	}
}

func TestWhitelist(t *testing.T) {
	f, err := New(Whitelist, []string{"10.0.0.0/8", "192.168.1.5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.255.255.255", true},
		{"192.168.1.5", true},
		{"192.168.1.6", false},
		{"8.8.8.8", false},
		{"", false},         // unparseable in whitelist mode denies
		{"nonsense", false},
	}
	for _, tc := range cases {
		if got := f.Allow(tc.addr); got != tc.want {
			t.Errorf("Allow(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestBlacklist(t *testing.T) {
	f, err := New(Blacklist, []string{"203.0.113.0/24"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"203.0.113.7", false},
		{"203.0.114.1", true},
		{"10.0.0.1", true},
		{"nonsense", true}, // unparseable cannot match a blacklist entry
	}
	for _, tc := range cases {
		if got := f.Allow(tc.addr); got != tc.want {
			t.Errorf("Allow(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestIPv6AndMappedAddresses(t *testing.T) {
	f, err := New(Whitelist, []string{"2001:db8::/32", "10.0.0.0/8"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !f.Allow("2001:db8::1") {
		t.Error("v6 member denied")
	}
	if f.Allow("2001:db9::1") {
		t.Error("v6 non-member admitted")
	}
	// 4-in-6 mapped form of a v4 member.
	if !f.Allow("::ffff:10.1.2.3") {
		t.Error("mapped v4 member denied")
	}
}

func TestDefaultMode(t *testing.T) {
	f, err := New("", []string{"10.0.0.1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.Mode() != Blacklist {
		t.Errorf("default mode = %q, want blacklist", f.Mode())
	}
}
