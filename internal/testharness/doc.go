// Package testharness emulates the device side of the ADB packet protocol
// for tests: a TCP listener speaking CNXN/STLS/AUTH handshakes and working
// shell, sync, framebuffer, exec and reverse-forward services against an
// in-memory file system. No hardware or adb binary is needed.
package testharness
