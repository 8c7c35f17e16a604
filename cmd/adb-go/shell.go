package main

import (
	"errors"
	"io"

	"github.com/chzyer/readline"

	"github.com/adb-protocol/adb-go/pkg/adb"
)

// interactiveShell runs a line-oriented interactive device shell. Each line
// read at the prompt is forwarded to the remote shell; device output goes
// straight to stdout. EOF (ctrl-d) ends the session.
func interactiveShell(dev adb.Device) error {
	rl, err := readline.New("")
	if err != nil {
		return err
	}
	defer rl.Close()

	pr, pw := io.Pipe()

	shellDone := make(chan error, 1)
	go func() {
		shellDone <- dev.Shell(pr, rl.Stdout())
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			// EOF or interrupt: close the input side, ending the
			// session gracefully.
			_ = pw.Close()
			break
		}
		if _, err := pw.Write([]byte(line + "\n")); err != nil {
			break
		}
	}

	if err := <-shellDone; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
