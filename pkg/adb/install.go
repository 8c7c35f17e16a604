package adb

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adb-protocol/adb-go/pkg/mux"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// installSuccess is the exact status adbd's package manager emits.
var installSuccess = []byte("Success\n")

// Install streams an APK to the device package manager. Each WRTE of APK
// bytes waits for its OKAY; the peer answers with a final WRTE carrying
// "Success\n" or an error message.
func (d *MessageDevice) Install(apkPath string) error {
	if ext := filepath.Ext(apkPath); ext != "" && ext != ".apk" {
		return fmt.Errorf("install %s: not an APK file", apkPath)
	}

	f, err := os.Open(apkPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	s, err := d.openSession(fmt.Sprintf("exec:cmd package 'install' -S %d", info.Size()))
	if err != nil {
		return err
	}

	if _, err := io.Copy(mux.NewMessageWriter(s), f); err != nil {
		_ = s.Close()
		return fmt.Errorf("install %s: streaming failed: %w", apkPath, err)
	}

	status, err := s.Read(transport.NoTimeout)
	if err != nil {
		_ = s.Close()
		return err
	}
	if status.Command != wire.CommandWrite {
		_ = s.Close()
		return &ProtocolError{Expected: "WRTE", Got: status.Command, Context: "install status"}
	}

	// Close drains the expected CLSE (and any echoes) either way.
	closeErr := s.Close()

	if !bytes.Equal(status.Payload, installSuccess) {
		return &CommandError{Op: "install", Message: strings.TrimSpace(string(status.Payload))}
	}
	return closeErr
}

// Uninstall removes a package. A non-negative user restricts removal to
// that profile.
func (d *MessageDevice) Uninstall(pkg string, user int) error {
	dest := fmt.Sprintf("exec:cmd package 'uninstall' %s", pkg)
	if user >= 0 {
		dest = fmt.Sprintf("exec:cmd package 'uninstall' --user %d %s", user, pkg)
	}

	s, err := d.openSession(dest)
	if err != nil {
		return err
	}

	status, err := s.Read(transport.NoTimeout)
	if err != nil {
		_ = s.Close()
		return err
	}
	if status.Command != wire.CommandWrite {
		_ = s.Close()
		return &ProtocolError{Expected: "WRTE", Got: status.Command, Context: "uninstall status"}
	}

	closeErr := s.Close()

	if !bytes.Equal(status.Payload, installSuccess) {
		return &CommandError{Op: "uninstall", Message: strings.TrimSpace(string(status.Payload))}
	}
	return closeErr
}
