package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/adb-protocol/adb-go/pkg/adb"
)

// ServerDevice reaches one device through the adb server, implementing the
// same Device surface as the direct backends. Every operation opens a fresh
// request connection, selects the device with host:transport, then speaks
// the service protocol on the remaining stream.
type ServerDevice struct {
	server *Server
	serial string
}

// Compile-time interface satisfaction check.
var _ adb.Device = (*ServerDevice)(nil)

// Serial returns the selected device serial ("" = any).
func (d *ServerDevice) Serial() string {
	return d.serial
}

// transport dials and binds the connection to the device.
func (d *ServerDevice) transport() (*conn, error) {
	c, err := d.server.dial()
	if err != nil {
		return nil, err
	}
	service := "host:transport-any"
	if d.serial != "" {
		service = "host:transport:" + d.serial
	}
	if err := c.request(service); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// service opens a device-bound stream for one service.
func (d *ServerDevice) service(name string) (*conn, error) {
	c, err := d.transport()
	if err != nil {
		return nil, err
	}
	if err := c.request(name); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ShellCommand runs a command and streams its raw output.
func (d *ServerDevice) ShellCommand(output io.Writer, command ...string) error {
	c, err := d.service(adb.ShellService(strings.Join(command, " ")))
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = io.Copy(output, c.c)
	return err
}

// Shell bridges an interactive shell over the server stream.
func (d *ServerDevice) Shell(reader io.Reader, writer io.Writer) error {
	c, err := d.service(adb.ShellService(""))
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(writer, c.c)
		done <- err
	}()

	if _, err := io.Copy(c.c, reader); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, syscall.EPIPE) {
			return err
		}
	}
	_ = c.Close()
	<-done
	return nil
}

// Reboot restarts the device.
func (d *ServerDevice) Reboot(target adb.RebootTarget) error {
	c, err := d.service("reboot:" + string(target))
	if err != nil {
		return err
	}
	return c.Close()
}

// Root restarts adbd as root.
func (d *ServerDevice) Root() error {
	return d.textService("root:", "")
}

// EnableVerity re-enables dm-verity.
func (d *ServerDevice) EnableVerity() error {
	return d.textService("enable-verity:", "")
}

// DisableVerity disables dm-verity.
func (d *ServerDevice) DisableVerity() error {
	return d.textService("disable-verity:", "")
}

// textService runs a service and optionally checks the response suffix.
func (d *ServerDevice) textService(name, wantSuffix string) error {
	c, err := d.service(name)
	if err != nil {
		return err
	}
	defer c.Close()

	body, err := c.readAll()
	if err != nil {
		return err
	}
	if wantSuffix != "" && !strings.HasSuffix(strings.TrimSpace(body), wantSuffix) {
		return &adb.CommandError{Op: strings.TrimSuffix(name, ":"), Message: strings.TrimSpace(body)}
	}
	return nil
}

// Remount remounts partitions read-write.
func (d *ServerDevice) Remount() ([]adb.RemountEntry, error) {
	c, err := d.service("remount:")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	body, err := c.readAll()
	if err != nil {
		return nil, err
	}
	return adb.ParseRemountResponse(body)
}

// Install streams an APK through the package manager.
func (d *ServerDevice) Install(apkPath string) error {
	f, err := os.Open(apkPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	c, err := d.service(fmt.Sprintf("exec:cmd package 'install' -S %d", info.Size()))
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := io.Copy(c.c, f); err != nil {
		return err
	}

	body, err := c.readAll()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "Success") {
		return &adb.CommandError{Op: "install", Message: strings.TrimSpace(body)}
	}
	return nil
}

// Uninstall removes a package.
func (d *ServerDevice) Uninstall(pkg string, user int) error {
	service := fmt.Sprintf("exec:cmd package 'uninstall' %s", pkg)
	if user >= 0 {
		service = fmt.Sprintf("exec:cmd package 'uninstall' --user %d %s", user, pkg)
	}
	c, err := d.service(service)
	if err != nil {
		return err
	}
	defer c.Close()

	body, err := c.readAll()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(body, "Success") {
		return &adb.CommandError{Op: "uninstall", Message: strings.TrimSpace(body)}
	}
	return nil
}

// Reverse installs a reverse forwarding rule. The server maintains the
// relay itself, so this returns once the rule is acknowledged.
func (d *ServerDevice) Reverse(remote, local adb.ForwardSpec) error {
	c, err := d.service(fmt.Sprintf("reverse:forward:%s;%s", remote, local))
	if err != nil {
		return err
	}
	defer c.Close()
	// The device side acknowledges with a second status.
	return c.readStatus()
}

// ReverseRemoveAll clears reverse forwarding rules.
func (d *ServerDevice) ReverseRemoveAll() error {
	c, err := d.service("reverse:killforward-all")
	if err != nil {
		return err
	}
	defer c.Close()
	return c.readStatus()
}

// Logcat streams device logs.
func (d *ServerDevice) Logcat(output io.Writer) error {
	return d.ShellCommand(output, "exec", "logcat")
}

// RunActivity starts an activity via the activity manager.
func (d *ServerDevice) RunActivity(pkg, activity string) ([]byte, error) {
	var out bytes.Buffer
	err := d.ShellCommand(&out, "am", "start", fmt.Sprintf("%s/%s.%s", pkg, pkg, activity))
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Framebuffer captures a frame through the server.
func (d *ServerDevice) Framebuffer() (*adb.Framebuffer, error) {
	c, err := d.service("framebuffer:")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	raw, err := io.ReadAll(c.c)
	if err != nil {
		return nil, err
	}
	return adb.DecodeFramebuffer(raw)
}

// Close is a no-op: every operation uses its own request connection.
func (d *ServerDevice) Close() error {
	return nil
}
