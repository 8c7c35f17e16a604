package adb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/adb-protocol/adb-go/pkg/mux"
	"github.com/adb-protocol/adb-go/pkg/transport"
	"github.com/adb-protocol/adb-go/pkg/wire"
)

// ShellService builds the shell service destination for a command (empty
// for an interactive shell), advertising the host terminal type when the
// TERM environment variable is set.
func ShellService(command string) string {
	if term := os.Getenv("TERM"); term != "" {
		return fmt.Sprintf("shell,TERM=%s,raw:%s", term, command)
	}
	return "shell:" + command
}

// ShellCommand runs command non-interactively on the device. Each inbound
// WRTE is acknowledged with an OKAY before its payload is appended to
// output; the loop ends when the peer sends CLSE.
func (d *MessageDevice) ShellCommand(output io.Writer, command ...string) error {
	s, err := d.openSession(ShellService(strings.Join(command, " ")))
	if err != nil {
		return err
	}

	for {
		p, err := s.Read(transport.NoTimeout)
		if err != nil {
			return err
		}
		if p.Command == wire.CommandClose {
			break
		}
		if err := s.SendOkay(); err != nil {
			return err
		}
		if p.Command != wire.CommandWrite {
			continue
		}
		if _, err := output.Write(p.Payload); err != nil {
			return err
		}
	}

	return s.Close()
}

// Shell starts an interactive shell session. A background goroutine
// forwards device output to writer, acknowledging each WRTE; the calling
// goroutine pumps reader into pipelined WRTE packets. Closing reader (EOF
// or broken pipe) ends the session gracefully.
func (d *MessageDevice) Shell(reader io.Reader, writer io.Writer) error {
	s, err := d.openSession(ShellService(""))
	if err != nil {
		return err
	}

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- d.forwardShellOutput(s, writer)
	}()

	copyErr := func() error {
		if _, err := io.Copy(mux.NewShellWriter(s), reader); err != nil {
			if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, syscall.EPIPE) {
				return err
			}
		}
		return nil
	}()

	// The reader goroutine owns the queue until it sees the peer's CLSE;
	// only then is the session torn down, so no pending output is lost.
	_ = s.SendClose()
	readerErr := <-readerDone

	// Trailing CLSE echoes, then release the queue.
	for {
		if _, err := s.Read(20 * time.Millisecond); err != nil {
			break
		}
	}
	s.Detach()

	if copyErr != nil {
		return copyErr
	}
	if readerErr != nil && !errors.Is(readerErr, mux.ErrClosed) {
		return readerErr
	}
	return nil
}

// forwardShellOutput relays inbound WRTE payloads to writer until the peer
// closes. OKAY packets (acks of our pipelined writes) are skipped.
func (d *MessageDevice) forwardShellOutput(s *mux.Session, writer io.Writer) error {
	for {
		p, err := s.Read(transport.NoTimeout)
		if err != nil {
			if errors.Is(err, mux.ErrClosed) {
				return nil
			}
			return err
		}
		switch p.Command {
		case wire.CommandWrite:
			if err := s.SendOkay(); err != nil {
				return err
			}
			if _, err := writer.Write(p.Payload); err != nil {
				return err
			}
		case wire.CommandOkay:
			// Ack of our own keystroke write.
		case wire.CommandClose:
			return nil
		default:
			return &ProtocolError{Expected: "WRTE, OKAY or CLSE", Got: p.Command, Context: "shell"}
		}
	}
}

// RunActivity starts package/package.activity via the activity manager and
// returns the command output.
func (d *MessageDevice) RunActivity(pkg, activity string) ([]byte, error) {
	var output bytes.Buffer
	err := d.ShellCommand(&output, "am", "start",
		fmt.Sprintf("%s/%s.%s", pkg, pkg, activity))
	if err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
