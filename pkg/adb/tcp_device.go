package adb

import (
	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/log"
	"github.com/adb-protocol/adb-go/pkg/transport"
)

// DeviceOption customizes a direct device backend.
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	logger log.Logger
	signer adbkey.Signer
}

// WithLogger attaches a protocol event logger.
func WithLogger(logger log.Logger) DeviceOption {
	return func(o *deviceOptions) { o.logger = logger }
}

// WithSigner overrides the challenge signer, e.g. with a RemoteSigner for
// hardware-backed keys. The key still provides the TLS client certificate.
func WithSigner(signer adbkey.Signer) DeviceOption {
	return func(o *deviceOptions) { o.signer = signer }
}

func applyOptions(key *adbkey.Key, opts []DeviceOption) deviceOptions {
	o := deviceOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.signer == nil {
		o.signer = adbkey.NewKeySigner(key)
	}
	return o
}

// TCPDevice is a device reached over the network with the direct packet
// protocol. The connection is upgraded to TLS when the peer requests STLS,
// which Android network devices always do.
type TCPDevice struct {
	*MessageDevice
	address string
}

// NewTCPDevice dials address ("host:port"), performs the handshake
// (including the mandatory TLS upgrade and RSA authentication) and returns
// a ready device.
func NewTCPDevice(address string, key *adbkey.Key, opts ...DeviceOption) (*TCPDevice, error) {
	o := applyOptions(key, opts)

	engine, err := NewMessageDevice(Config{
		Transport: transport.NewTCPTransport(address, key),
		Signer:    o.signer,
		Logger:    o.logger,
		Serial:    address,
	})
	if err != nil {
		return nil, err
	}
	return &TCPDevice{MessageDevice: engine, address: address}, nil
}

// Address returns the device network address.
func (d *TCPDevice) Address() string {
	return d.address
}
