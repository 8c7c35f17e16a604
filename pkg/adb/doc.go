// Package adb exposes the unified device operation surface of the ADB
// client: shell execution, file transfer, package management, reboot,
// framebuffer capture and reverse port forwarding.
//
// The same Device interface is implemented by three backends. TCPDevice and
// USBDevice speak the binary packet protocol directly to a device (sharing
// the MessageDevice engine in this package); the server package provides a
// third backend that proxies through a locally running adb server.
//
//	key, _, _ := adbkey.LoadOrCreate(keyPath)
//	dev, err := adb.NewTCPDevice("192.168.1.10:5555", key)
//	if err != nil { ... }
//	defer dev.Close()
//	var out bytes.Buffer
//	err = dev.ShellCommand(&out, "getprop", "ro.product.model")
package adb
