package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/adb-protocol/adb-go/pkg/wire"
)

// USB interface matching constants. An ADB function is the first interface
// with (class=VENDOR_SPEC, subclass=0x42, protocol=0x01); some devices in
// file-transfer mode expose (class=0xDC, subclass=0x02, protocol=0x01)
// instead.
const (
	adbInterfaceSubclass = 0x42
	adbInterfaceProtocol = 0x01

	bulkInterfaceClass    = 0xDC
	bulkInterfaceSubclass = 0x02
)

// USB errors.
var (
	// ErrDeviceNotFound indicates no matching USB device is attached.
	ErrDeviceNotFound = errors.New("no ADB USB device found")

	// ErrNoADBInterface indicates the device exposes no ADB interface.
	ErrNoADBInterface = errors.New("device has no ADB interface")

	// ErrMultipleDevices indicates autodetection found more than one
	// candidate.
	ErrMultipleDevices = errors.New("multiple ADB USB devices found")
)

// DeviceInfo describes an attached ADB-capable USB device.
type DeviceInfo struct {
	// VendorID and ProductID identify the device model.
	VendorID  uint16
	ProductID uint16

	// Description is "<manufacturer> <product>" when readable.
	Description string
}

// USBTransport carries ADB packets over USB bulk endpoints. No TLS: USB
// links authenticate with the RSA challenge only.
type USBTransport struct {
	vendorID  gousb.ID
	productID gousb.ID

	mu   sync.Mutex // serializes writes and guards state
	rmu  sync.Mutex // serializes reads
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	maxPayload uint32
}

// NewUSBTransport creates a transport for the device with the given vendor
// and product ids.
func NewUSBTransport(vendorID, productID uint16) *USBTransport {
	return &USBTransport{
		vendorID:   gousb.ID(vendorID),
		productID:  gousb.ID(productID),
		maxPayload: wire.DefaultMaxPayload,
	}
}

// adbSetting reports whether an interface alt setting is an ADB function.
func adbSetting(s gousb.InterfaceSetting) bool {
	if s.Protocol != adbInterfaceProtocol {
		return false
	}
	return (s.Class == gousb.ClassVendorSpec && s.SubClass == adbInterfaceSubclass) ||
		(uint8(s.Class) == bulkInterfaceClass && uint8(s.SubClass) == bulkInterfaceSubclass)
}

// isADBDevice reports whether any configuration exposes an ADB interface.
func isADBDevice(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if adbSetting(alt) {
					return true
				}
			}
		}
	}
	return false
}

// FindDevices scans the bus and returns all attached ADB-capable devices.
func FindDevices() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var found []DeviceInfo
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isADBDevice(desc)
	})
	for _, dev := range devs {
		info := DeviceInfo{
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
		}
		manufacturer, merr := dev.Manufacturer()
		product, perr := dev.Product()
		if merr == nil && perr == nil {
			info.Description = manufacturer + " " + product
		} else {
			info.Description = "Unknown device"
		}
		found = append(found, info)
		dev.Close()
	}
	if err != nil && len(found) == 0 {
		return nil, fmt.Errorf("USB scan failed: %w", err)
	}
	return found, nil
}

// AutodetectDevice returns the single attached ADB device, failing if none
// or more than one is present.
func AutodetectDevice() (DeviceInfo, error) {
	found, err := FindDevices()
	if err != nil {
		return DeviceInfo{}, err
	}
	switch len(found) {
	case 0:
		return DeviceInfo{}, ErrDeviceNotFound
	case 1:
		return found[0], nil
	default:
		return DeviceInfo{}, fmt.Errorf("%w: %04x:%04x and %04x:%04x",
			ErrMultipleDevices,
			found[0].VendorID, found[0].ProductID,
			found[1].VendorID, found[1].ProductID)
	}
}

// Connect opens the device, claims the ADB interface and resolves the first
// IN and OUT bulk endpoints on it.
func (t *USBTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return nil
	}

	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(t.vendorID, t.productID)
	if err != nil {
		ctx.Close()
		return fmt.Errorf("failed to open device %04x:%04x: %w", uint16(t.vendorID), uint16(t.productID), err)
	}
	if dev == nil {
		ctx.Close()
		return fmt.Errorf("%w: %04x:%04x", ErrDeviceNotFound, uint16(t.vendorID), uint16(t.productID))
	}

	// The interface may be bound to a kernel driver.
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to enable auto-detach: %w", err)
	}

	cfgNum, intfNum, altNum, inAddr, outAddr, err := findADBEndpoints(dev.Desc)
	if err != nil {
		dev.Close()
		ctx.Close()
		return err
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to select configuration %d: %w", cfgNum, err)
	}

	intf, err := cfg.Interface(intfNum, altNum)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to claim interface %d: %w", intfNum, err)
	}

	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}

	t.ctx, t.dev, t.cfg, t.intf, t.in, t.out = ctx, dev, cfg, intf, in, out
	return nil
}

// findADBEndpoints locates the ADB interface and its first bulk endpoint
// pair in the device descriptor.
func findADBEndpoints(desc *gousb.DeviceDesc) (cfg, intf, alt, in, out int, err error) {
	for _, c := range desc.Configs {
		for _, i := range c.Interfaces {
			for _, a := range i.AltSettings {
				if !adbSetting(a) {
					continue
				}
				inNum, outNum := -1, -1
				for _, ep := range a.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
						inNum = ep.Number
					}
					if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
						outNum = ep.Number
					}
				}
				if inNum < 0 || outNum < 0 {
					continue
				}
				return c.Number, a.Number, a.Alternate, inNum, outNum, nil
			}
		}
	}
	return 0, 0, 0, 0, 0, ErrNoADBInterface
}

// Disconnect releases the interface and closes the device. Idempotent.
func (t *USBTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		_ = t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		_ = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		_ = t.ctx.Close()
		t.ctx = nil
	}
	t.in, t.out = nil, nil
	return nil
}

// readFull reads exactly len(buf) bytes from the IN endpoint.
func (t *USBTransport) readFull(ctx context.Context, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.in.ReadContext(ctx, buf[total:])
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: USB read", ErrTimeout)
			}
			return fmt.Errorf("USB read failed: %w", err)
		}
		total += n
	}
	return nil
}

// ReadPacket reads one packet from the IN endpoint.
func (t *USBTransport) ReadPacket(timeout time.Duration) (wire.Packet, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	if t.in == nil {
		return wire.Packet{}, ErrNotConnected
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	header := make([]byte, wire.HeaderSize)
	if err := t.readFull(ctx, header); err != nil {
		return wire.Packet{}, err
	}

	length := binary.LittleEndian.Uint32(header[12:16])
	if length > t.maxPayload {
		return wire.Packet{}, fmt.Errorf("%w: %d > %d", wire.ErrPayloadTooLarge, length, t.maxPayload)
	}

	full := make([]byte, wire.HeaderSize+int(length))
	copy(full, header)
	if length > 0 {
		if err := t.readFull(ctx, full[wire.HeaderSize:]); err != nil {
			return wire.Packet{}, err
		}
	}

	return wire.Decode(full)
}

// WritePacket writes the header and payload as separate bulk transfers, the
// way adbd expects them.
func (t *USBTransport) WritePacket(p wire.Packet, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.out == nil {
		return ErrNotConnected
	}

	if timeout == NoTimeout {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := t.writeFull(ctx, p.EncodeHeader()); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		if err := t.writeFull(ctx, p.Payload); err != nil {
			return err
		}
	}
	return nil
}

// writeFull writes all of buf to the OUT endpoint.
func (t *USBTransport) writeFull(ctx context.Context, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.out.WriteContext(ctx, buf[total:])
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: USB write", ErrTimeout)
			}
			return fmt.Errorf("USB write failed: %w", err)
		}
		total += n
	}
	return nil
}

// SetMaxPayload adjusts the accepted payload bound after CNXN negotiation.
func (t *USBTransport) SetMaxPayload(size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxPayload = size
}
