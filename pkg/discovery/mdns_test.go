package discovery

import (
	"net"
	"testing"
)

func TestDeviceServiceSerial(t *testing.T) {
	tests := []struct {
		instance string
		want     string
	}{
		{"adb-R58M1234ABC-Vx9tQp", "R58M1234ABC"},
		{"adb-emulator-5554-abcdef", "emulator-5554"},
		{"something-else", "something-else"},
		{"adb-noSuffix", "adb-noSuffix"},
	}
	for _, tt := range tests {
		s := DeviceService{Instance: tt.instance}
		if got := s.Serial(); got != tt.want {
			t.Errorf("Serial(%q) = %q, want %q", tt.instance, got, tt.want)
		}
	}
}

func TestDeviceServiceAddr(t *testing.T) {
	s := DeviceService{
		Instance:  "adb-x-y",
		Addresses: []net.IP{net.ParseIP("192.168.1.20")},
		Port:      40123,
	}
	addr, err := s.Addr()
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}
	if addr != "192.168.1.20:40123" {
		t.Errorf("addr = %q", addr)
	}

	if _, err := (DeviceService{Instance: "empty"}).Addr(); err == nil {
		t.Error("expected error for service without addresses")
	}
}

func TestNewBrowserDefaults(t *testing.T) {
	b := NewBrowser(BrowserConfig{})
	if b.config.Timeout != BrowseTimeout {
		t.Errorf("timeout = %v, want %v", b.config.Timeout, BrowseTimeout)
	}
}
