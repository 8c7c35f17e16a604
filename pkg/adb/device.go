package adb

import (
	"io"
	"time"
)

// Device is the unified operation surface offered by every backend: direct
// TCP, direct USB, and the server-proxied client. It models the capability
// set of an Android device reachable over any of the three transports.
type Device interface {
	// ShellCommand runs a command non-interactively and streams its
	// combined output into output until the remote side closes.
	ShellCommand(output io.Writer, command ...string) error

	// Shell starts an interactive shell. Bytes from reader are forwarded
	// to the device; device output is forwarded to writer. Returns when
	// reader reaches EOF or the remote side closes.
	Shell(reader io.Reader, writer io.Writer) error

	// Stat returns metadata for a remote path. ErrNotFound if the path
	// does not exist.
	Stat(path string) (StatEntry, error)

	// List returns the entries of a remote directory.
	List(path string) ([]DirEntry, error)

	// Pull downloads a remote file into output.
	Pull(path string, output io.Writer) error

	// Push uploads input to a remote path with the given modification
	// time (the zero time sends mtime 0).
	Push(input io.Reader, path string, mtime time.Time) error

	// Install streams an APK to the device package manager.
	Install(apkPath string) error

	// Uninstall removes a package. user selects a profile when
	// non-negative.
	Uninstall(pkg string, user int) error

	// Reboot restarts the device into the given target.
	Reboot(target RebootTarget) error

	// Framebuffer captures one frame of the display as raw pixels.
	Framebuffer() (*Framebuffer, error)

	// Reverse forwards connections the device makes to remote onto the
	// local port, serving until the connection fails or closes.
	Reverse(remote, local ForwardSpec) error

	// ReverseRemoveAll clears all reverse forwarding rules.
	ReverseRemoveAll() error

	// Remount remounts system partitions read-write.
	Remount() ([]RemountEntry, error)

	// Root restarts adbd with root privileges.
	Root() error

	// EnableVerity / DisableVerity toggle dm-verity.
	EnableVerity() error
	DisableVerity() error

	// Logcat streams device logs into output until the stream closes.
	Logcat(output io.Writer) error

	// RunActivity starts an activity via the activity manager and
	// returns the command output.
	RunActivity(pkg, activity string) ([]byte, error)

	// Close tears the backend down. Idempotent and best-effort.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Device = (*TCPDevice)(nil)
	_ Device = (*USBDevice)(nil)
)
