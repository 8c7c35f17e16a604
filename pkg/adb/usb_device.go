package adb

import (
	"fmt"

	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/transport"
)

// USBDevice is a device attached over USB, speaking the packet protocol on
// bulk endpoints. No TLS; authentication is the RSA challenge alone.
type USBDevice struct {
	*MessageDevice
	vendorID  uint16
	productID uint16
}

// NewUSBDevice opens the device with the given vendor and product ids,
// claims its ADB interface and performs the handshake.
func NewUSBDevice(vendorID, productID uint16, key *adbkey.Key, opts ...DeviceOption) (*USBDevice, error) {
	o := applyOptions(key, opts)

	engine, err := NewMessageDevice(Config{
		Transport: transport.NewUSBTransport(vendorID, productID),
		Signer:    o.signer,
		Logger:    o.logger,
		Serial:    fmt.Sprintf("usb:%04x:%04x", vendorID, productID),
	})
	if err != nil {
		return nil, err
	}
	return &USBDevice{MessageDevice: engine, vendorID: vendorID, productID: productID}, nil
}

// NewAutodetectUSBDevice scans the bus for the single attached ADB device
// and opens it.
func NewAutodetectUSBDevice(key *adbkey.Key, opts ...DeviceOption) (*USBDevice, error) {
	info, err := transport.AutodetectDevice()
	if err != nil {
		return nil, err
	}
	return NewUSBDevice(info.VendorID, info.ProductID, key, opts...)
}

// IDs returns the vendor and product ids of the device.
func (d *USBDevice) IDs() (vendorID, productID uint16) {
	return d.vendorID, d.productID
}
