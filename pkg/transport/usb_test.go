package transport

import (
	"errors"
	"testing"

	"github.com/google/gousb"
)

// desc builds a device descriptor exposing the given interface settings in
// one configuration.
func desc(settings ...gousb.InterfaceSetting) *gousb.DeviceDesc {
	interfaces := make([]gousb.InterfaceDesc, 0, len(settings))
	for i, s := range settings {
		s.Number = i
		interfaces = append(interfaces, gousb.InterfaceDesc{
			Number:      i,
			AltSettings: []gousb.InterfaceSetting{s},
		})
	}
	return &gousb.DeviceDesc{
		Configs: map[int]gousb.ConfigDesc{
			1: {Number: 1, Interfaces: interfaces},
		},
	}
}

// bulkEndpoints builds the endpoint map of one IN and one OUT bulk
// endpoint.
func bulkEndpoints(in, out int) map[gousb.EndpointAddress]gousb.EndpointDesc {
	return map[gousb.EndpointAddress]gousb.EndpointDesc{
		gousb.EndpointAddress(0x80 | in): {
			Number:       in,
			Direction:    gousb.EndpointDirectionIn,
			TransferType: gousb.TransferTypeBulk,
		},
		gousb.EndpointAddress(out): {
			Number:       out,
			Direction:    gousb.EndpointDirectionOut,
			TransferType: gousb.TransferTypeBulk,
		},
	}
}

func TestFindADBEndpointsVendorSpecific(t *testing.T) {
	d := desc(
		// MTP-ish interface first; must be skipped.
		gousb.InterfaceSetting{Class: 0x06, SubClass: 0x01, Protocol: 0x01},
		gousb.InterfaceSetting{
			Class:     gousb.ClassVendorSpec,
			SubClass:  adbInterfaceSubclass,
			Protocol:  adbInterfaceProtocol,
			Endpoints: bulkEndpoints(1, 2),
		},
	)

	cfg, intf, alt, in, out, err := findADBEndpoints(d)
	if err != nil {
		t.Fatalf("findADBEndpoints failed: %v", err)
	}
	if cfg != 1 || intf != 1 || alt != 0 {
		t.Errorf("cfg/intf/alt = %d/%d/%d", cfg, intf, alt)
	}
	if in != 1 || out != 2 {
		t.Errorf("in/out = %d/%d", in, out)
	}
}

func TestFindADBEndpointsBulkClass(t *testing.T) {
	d := desc(gousb.InterfaceSetting{
		Class:     gousb.Class(bulkInterfaceClass),
		SubClass:  gousb.Class(bulkInterfaceSubclass),
		Protocol:  adbInterfaceProtocol,
		Endpoints: bulkEndpoints(3, 4),
	})

	_, _, _, in, out, err := findADBEndpoints(d)
	if err != nil {
		t.Fatalf("findADBEndpoints failed: %v", err)
	}
	if in != 3 || out != 4 {
		t.Errorf("in/out = %d/%d", in, out)
	}
}

func TestFindADBEndpointsNoMatch(t *testing.T) {
	tests := []struct {
		name string
		desc *gousb.DeviceDesc
	}{
		{
			name: "no ADB interface",
			desc: desc(gousb.InterfaceSetting{Class: 0x06, SubClass: 0x01, Protocol: 0x01}),
		},
		{
			name: "ADB interface without bulk endpoints",
			desc: desc(gousb.InterfaceSetting{
				Class:    gousb.ClassVendorSpec,
				SubClass: adbInterfaceSubclass,
				Protocol: adbInterfaceProtocol,
				Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
					0x81: {Number: 1, Direction: gousb.EndpointDirectionIn, TransferType: gousb.TransferTypeInterrupt},
				},
			}),
		},
		{
			name: "wrong protocol",
			desc: desc(gousb.InterfaceSetting{
				Class:     gousb.ClassVendorSpec,
				SubClass:  adbInterfaceSubclass,
				Protocol:  0x02,
				Endpoints: bulkEndpoints(1, 2),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, _, err := findADBEndpoints(tt.desc)
			if !errors.Is(err, ErrNoADBInterface) {
				t.Errorf("expected ErrNoADBInterface, got %v", err)
			}
		})
	}
}

func TestIsADBDevice(t *testing.T) {
	adbDesc := desc(gousb.InterfaceSetting{
		Class:     gousb.ClassVendorSpec,
		SubClass:  adbInterfaceSubclass,
		Protocol:  adbInterfaceProtocol,
		Endpoints: bulkEndpoints(1, 2),
	})
	if !isADBDevice(adbDesc) {
		t.Error("ADB device not recognized")
	}

	plain := desc(gousb.InterfaceSetting{Class: 0x08, SubClass: 0x06, Protocol: 0x50})
	if isADBDevice(plain) {
		t.Error("mass-storage device misdetected as ADB")
	}
}
