// Command adb-log views and analyzes ADB protocol capture files.
//
// Capture files (.alog) are written by adb-go when invoked with the
// -capture flag, or by any program wiring a log.FileLogger into its device.
//
// Usage:
//
//	adb-log <command> [flags] <file.alog>
//
// Commands:
//
//	view     Print events in human-readable form
//	stats    Summarize packet counts and volumes
//	filter   Copy matching events into a new capture file
//
// Examples:
//
//	# View every packet of a session
//	adb-log view session.alog
//
//	# Only inbound device-layer events
//	adb-log view -direction in -layer device session.alog
//
//	# Narrow a capture to one connection
//	adb-log filter -conn-id 5b2f... -o narrowed.alog session.alog
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adb-protocol/adb-go/pkg/log"
)

const usage = `adb-log - ADB protocol capture analyzer

Usage:
  adb-log <command> [flags] <file.alog>

Commands:
  view     Print events in human-readable form
  stats    Summarize packet counts and volumes
  filter   Copy matching events into a new capture file

Use "adb-log <command> -help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "stats":
		err = runStats(args)
	case "filter":
		err = runFilter(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "adb-log: %v\n", err)
		os.Exit(1)
	}
}

// filterFlags declares the shared filter flags on a flag set.
func filterFlags(fs *flag.FlagSet) (direction, layer, connID *string) {
	direction = fs.String("direction", "", "filter by direction (in, out)")
	layer = fs.String("layer", "", "filter by layer (transport, packet, device)")
	connID = fs.String("conn-id", "", "filter by connection id")
	return
}

// buildFilter resolves flag values into a log.Filter.
func buildFilter(direction, layer, connID string) (log.Filter, error) {
	filter := log.Filter{ConnectionID: connID}

	switch strings.ToLower(direction) {
	case "":
	case "in":
		d := log.DirectionIn
		filter.Direction = &d
	case "out":
		d := log.DirectionOut
		filter.Direction = &d
	default:
		return log.Filter{}, fmt.Errorf("unknown direction %q", direction)
	}

	switch strings.ToLower(layer) {
	case "":
	case "transport":
		l := log.LayerTransport
		filter.Layer = &l
	case "packet":
		l := log.LayerPacket
		filter.Layer = &l
	case "device":
		l := log.LayerDevice
		filter.Layer = &l
	default:
		return log.Filter{}, fmt.Errorf("unknown layer %q", layer)
	}

	return filter, nil
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	direction, layer, connID := filterFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: adb-log view [flags] <file.alog>")
	}

	filter, err := buildFilter(*direction, *layer, *connID)
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(fs.Arg(0), filter)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		printEvent(event)
	}
}

// printEvent renders one event as a single line.
func printEvent(e log.Event) {
	ts := e.Timestamp.Format("15:04:05.000000")
	prefix := fmt.Sprintf("%s %-3s %-9s", ts, e.Direction, e.Layer)

	switch {
	case e.Packet != nil:
		fmt.Printf("%s %s arg0=%#x arg1=%#x len=%d\n",
			prefix, e.Packet.Command, e.Packet.Arg0, e.Packet.Arg1, e.Packet.PayloadSize)
	case e.Sync != nil:
		fmt.Printf("%s sync %s arg=%d path=%s\n", prefix, e.Sync.Tag, e.Sync.Arg, e.Sync.Path)
	case e.StateChange != nil:
		fmt.Printf("%s state %s: %s -> %s %s\n",
			prefix, e.StateChange.Entity, e.StateChange.OldState, e.StateChange.NewState, e.StateChange.Reason)
	case e.Error != nil:
		fmt.Printf("%s error [%s] %s (%s)\n", prefix, e.Error.Layer, e.Error.Message, e.Error.Context)
	default:
		fmt.Printf("%s %s\n", prefix, e.Category)
	}
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: adb-log stats <file.alog>")
	}

	reader, err := log.NewReader(fs.Arg(0))
	if err != nil {
		return err
	}
	defer reader.Close()

	var (
		total       int
		byCommand   = map[string]int{}
		bytesIn     int
		bytesOut    int
		connections = map[string]bool{}
	)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		total++
		connections[event.ConnectionID] = true
		if event.Packet != nil {
			byCommand[event.Packet.Command]++
			if event.Direction == log.DirectionIn {
				bytesIn += event.Packet.PayloadSize
			} else {
				bytesOut += event.Packet.PayloadSize
			}
		}
	}

	fmt.Printf("events:       %d\n", total)
	fmt.Printf("connections:  %d\n", len(connections))
	fmt.Printf("payload in:   %d bytes\n", bytesIn)
	fmt.Printf("payload out:  %d bytes\n", bytesOut)
	fmt.Println("packets by command:")
	for _, cmd := range []string{"CNXN", "AUTH", "STLS", "OPEN", "OKAY", "WRTE", "CLSE"} {
		if n := byCommand[cmd]; n > 0 {
			fmt.Printf("  %s  %d\n", cmd, n)
		}
	}
	return nil
}

func runFilter(args []string) error {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	direction, layer, connID := filterFlags(fs)
	out := fs.String("o", "", "output capture file (required)")
	_ = fs.Parse(args)
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("usage: adb-log filter [flags] -o <out.alog> <file.alog>")
	}

	filter, err := buildFilter(*direction, *layer, *connID)
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(fs.Arg(0), filter)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := log.NewFileLogger(*out)
	if err != nil {
		return err
	}
	defer writer.Close()

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		writer.Log(event)
		count++
	}
	fmt.Printf("wrote %d events to %s\n", count, *out)
	return nil
}
