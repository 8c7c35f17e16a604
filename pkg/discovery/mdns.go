package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service types advertised by Android devices.
const (
	// ServiceTLSConnect is advertised by devices with wireless debugging
	// enabled (TLS-secured direct connections).
	ServiceTLSConnect = "_adb-tls-connect._tcp"

	// ServicePlain is advertised by devices in legacy tcpip mode.
	ServicePlain = "_adb._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// BrowseTimeout is the default bound for one browse pass.
const BrowseTimeout = 10 * time.Second

// DeviceService is one discovered network device.
type DeviceService struct {
	// Instance is the advertised instance name, typically
	// "adb-<serial>-<suffix>".
	Instance string

	// ServiceType is ServiceTLSConnect or ServicePlain.
	ServiceType string

	// Addresses are the device's IP addresses.
	Addresses []net.IP

	// Port is the adbd listen port.
	Port int

	// TXT carries the raw TXT records.
	TXT []string
}

// Addr returns a dialable "host:port" for the first address.
func (s DeviceService) Addr() (string, error) {
	if len(s.Addresses) == 0 {
		return "", fmt.Errorf("service %s has no addresses", s.Instance)
	}
	return net.JoinHostPort(s.Addresses[0].String(), fmt.Sprintf("%d", s.Port)), nil
}

// Serial extracts the device serial from an "adb-<serial>-<suffix>"
// instance name, or returns the whole instance name.
func (s DeviceService) Serial() string {
	rest, ok := strings.CutPrefix(s.Instance, "adb-")
	if !ok {
		return s.Instance
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// Timeout bounds each browse pass (default BrowseTimeout).
	Timeout time.Duration

	// Interface restricts browsing to one network interface; empty
	// means all.
	Interface string
}

// Browser discovers network ADB devices.
type Browser struct {
	config BrowserConfig
}

// NewBrowser creates a Browser.
func NewBrowser(config BrowserConfig) *Browser {
	if config.Timeout <= 0 {
		config.Timeout = BrowseTimeout
	}
	return &Browser{config: config}
}

// browserOptions returns zeroconf client options based on config.
func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		if iface, err := net.InterfaceByName(b.config.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// Browse searches for both service types until the timeout and returns the
// merged results.
func (b *Browser) Browse(ctx context.Context) ([]DeviceService, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	results := make(chan DeviceService, 64)
	errs := make(chan error, 2)

	for _, serviceType := range []string{ServiceTLSConnect, ServicePlain} {
		go func(serviceType string) {
			errs <- b.browseOne(ctx, serviceType, results)
		}(serviceType)
	}

	var found []DeviceService
	pending := 2
	for pending > 0 {
		select {
		case s := <-results:
			found = append(found, s)
		case err := <-errs:
			pending--
			if err != nil && ctx.Err() == nil {
				return found, err
			}
		}
	}

	// Drain any last results delivered before the goroutines exited.
	for {
		select {
		case s := <-results:
			found = append(found, s)
		default:
			return found, nil
		}
	}
}

// browseOne runs a single zeroconf browse for one service type.
func (b *Browser) browseOne(ctx context.Context, serviceType string, out chan<- DeviceService) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				addrs := append([]net.IP(nil), entry.AddrIPv4...)
				addrs = append(addrs, entry.AddrIPv6...)
				out <- DeviceService{
					Instance:    entry.Instance,
					ServiceType: serviceType,
					Addresses:   addrs,
					Port:        entry.Port,
					TXT:         entry.Text,
				}
			case <-removed:
				// Departures are irrelevant for a one-shot scan.
			case <-ctx.Done():
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, serviceType, Domain, entries, removed, b.browserOptions()...)
	<-done
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mDNS browse %s failed: %w", serviceType, err)
	}
	return nil
}

// FindFirst returns the first device discovered, or an error when the
// browse window closes empty.
func (b *Browser) FindFirst(ctx context.Context) (DeviceService, error) {
	found, err := b.Browse(ctx)
	if err != nil {
		return DeviceService{}, err
	}
	if len(found) == 0 {
		return DeviceService{}, fmt.Errorf("no ADB mDNS services found within %s", b.config.Timeout)
	}
	return found[0], nil
}
