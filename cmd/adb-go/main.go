// Command adb-go talks to Android devices over the direct packet protocol
// (TCP or USB) or through a locally running adb server.
//
// Usage:
//
//	adb-go [backend flags] <command> [args]
//
// Backend selection:
//
//	-tcp addr       Direct TCP device ("192.168.1.10:5555")
//	-usb [vid:pid]  Direct USB device; empty autodetects
//	-serial s       Device serial, via the local adb server
//	(none)          Single device via the local adb server
//
// Commands:
//
//	devices                  List devices known to the adb server
//	discover                 Browse for network devices over mDNS
//	shell [cmd...]           Run a command, or start an interactive shell
//	push <local> <remote>    Upload a file
//	pull <remote> [local]    Download a file
//	stat <path>              Show file metadata
//	ls <path>                List a remote directory
//	install <apk>            Install a package
//	uninstall <pkg>          Remove a package
//	reboot [target]          Reboot (bootloader, recovery, sideload, fastboot)
//	framebuffer <out.raw>    Capture raw RGBA pixels to a file
//	remount                  Remount partitions read-write
//	root                     Restart adbd as root
//	reverse <remote> <local> Reverse-forward tcp:<port> specs
//	logcat                   Stream device logs
//
// Ambient flags:
//
//	-config path    YAML config file (key_path, device, server, capture)
//	-adbkey path    RSA identity (default $HOME/.android/adbkey)
//	-capture path   Write a protocol capture (.alog) of the session
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/adb-protocol/adb-go/pkg/adb"
	"github.com/adb-protocol/adb-go/pkg/adbkey"
	"github.com/adb-protocol/adb-go/pkg/connection"
	adblog "github.com/adb-protocol/adb-go/pkg/log"
	"github.com/adb-protocol/adb-go/pkg/server"
)

const usage = `adb-go - ADB client

Usage:
  adb-go [backend flags] <command> [args]

Backends:
  -tcp addr       direct TCP device (192.168.1.10:5555)
  -usb [vid:pid]  direct USB device (empty autodetects)
  -serial s       via local adb server, by serial
  (default)       via local adb server, single device

Commands:
  devices, discover, shell, push, pull, stat, ls, install, uninstall,
  reboot, framebuffer, remount, root, reverse, logcat

Use "adb-go -help" for the full flag list.
`

func main() {
	log.SetFlags(0)

	fs := flag.NewFlagSet("adb-go", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}

	var (
		tcpAddr    = fs.String("tcp", "", "direct TCP device address")
		usbSpec    = fs.String("usb", "", "direct USB device: vid:pid, or \"auto\" to autodetect")
		serial     = fs.String("serial", "", "device serial (server backend)")
		serverAddr = fs.String("server", "", "adb server address (default 127.0.0.1:5037)")
		configPath = fs.String("config", "", "YAML config file")
		keyPath    = fs.String("adbkey", "", "RSA identity path (default $HOME/.android/adbkey)")
		capture    = fs.String("capture", "", "protocol capture output (.alog)")
		wait       = fs.Bool("wait", false, "retry with backoff until the device is reachable (TCP backend)")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.applyFlags(*tcpAddr, *serverAddr, *keyPath, *capture)

	app := &app{
		config:  cfg,
		usbSpec: *usbSpec,
		serial:  *serial,
		wait:    *wait,
	}

	command, commandArgs := args[0], args[1:]
	if err := app.run(command, commandArgs); err != nil {
		log.Fatalf("adb-go: %v", err)
	}
}

// app carries resolved configuration through command dispatch.
type app struct {
	config  *config
	usbSpec string
	serial  string
	wait    bool

	captureLogger *adblog.FileLogger
}

// run dispatches one command.
func (a *app) run(command string, args []string) error {
	defer func() {
		if a.captureLogger != nil {
			_ = a.captureLogger.Close()
		}
	}()

	switch command {
	case "devices":
		return a.cmdDevices()
	case "discover":
		return a.cmdDiscover()
	case "shell":
		return a.withDevice(func(dev adb.Device) error { return a.cmdShell(dev, args) })
	case "push":
		return a.withDevice(func(dev adb.Device) error { return cmdPush(dev, args) })
	case "pull":
		return a.withDevice(func(dev adb.Device) error { return cmdPull(dev, args) })
	case "stat":
		return a.withDevice(func(dev adb.Device) error { return cmdStat(dev, args) })
	case "ls":
		return a.withDevice(func(dev adb.Device) error { return cmdList(dev, args) })
	case "install":
		return a.withDevice(func(dev adb.Device) error { return expectOne(args, "apk", dev.Install) })
	case "uninstall":
		return a.withDevice(func(dev adb.Device) error {
			return expectOne(args, "package", func(pkg string) error { return dev.Uninstall(pkg, -1) })
		})
	case "reboot":
		return a.withDevice(func(dev adb.Device) error { return cmdReboot(dev, args) })
	case "framebuffer":
		return a.withDevice(func(dev adb.Device) error { return cmdFramebuffer(dev, args) })
	case "remount":
		return a.withDevice(cmdRemount)
	case "root":
		return a.withDevice(adb.Device.Root)
	case "reverse":
		return a.withDevice(func(dev adb.Device) error { return cmdReverse(dev, args) })
	case "logcat":
		return a.withDevice(func(dev adb.Device) error { return dev.Logcat(os.Stdout) })
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// logger builds the protocol logger from the capture setting.
func (a *app) logger() (adblog.Logger, error) {
	if a.config.Capture == "" {
		return nil, nil
	}
	if a.captureLogger == nil {
		fl, err := adblog.NewFileLogger(a.config.Capture)
		if err != nil {
			return nil, fmt.Errorf("cannot open capture file: %w", err)
		}
		a.captureLogger = fl
	}
	return a.captureLogger, nil
}

// withDevice opens the selected backend, runs fn, and closes it.
func (a *app) withDevice(fn func(adb.Device) error) error {
	dev, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()
	return fn(dev)
}

// openDevice resolves the backend selection flags.
func (a *app) openDevice() (adb.Device, error) {
	switch {
	case a.config.Device != "":
		key, err := a.loadKey()
		if err != nil {
			return nil, err
		}
		logger, err := a.logger()
		if err != nil {
			return nil, err
		}
		var opts []adb.DeviceOption
		if logger != nil {
			opts = append(opts, adb.WithLogger(logger))
		}
		if !a.wait {
			return adb.NewTCPDevice(a.config.Device, key, opts...)
		}
		var dev *adb.TCPDevice
		err = connection.Retry(context.Background(), func(ctx context.Context) error {
			var dialErr error
			dev, dialErr = adb.NewTCPDevice(a.config.Device, key, opts...)
			return dialErr
		}, connection.RetryConfig{
			OnRetry: func(attempt int, delay time.Duration) {
				log.Printf("device not reachable (attempt %d), retrying in %s", attempt, delay)
			},
		})
		if err != nil {
			return nil, err
		}
		return dev, nil

	case a.usbSpec != "":
		key, err := a.loadKey()
		if err != nil {
			return nil, err
		}
		logger, err := a.logger()
		if err != nil {
			return nil, err
		}
		var opts []adb.DeviceOption
		if logger != nil {
			opts = append(opts, adb.WithLogger(logger))
		}
		if a.usbSpec == "auto" {
			return adb.NewAutodetectUSBDevice(key, opts...)
		}
		vid, pid, err := parseVidPid(a.usbSpec)
		if err != nil {
			return nil, err
		}
		return adb.NewUSBDevice(vid, pid, key, opts...)

	default:
		return server.New(a.config.Server).Device(a.serial), nil
	}
}

// loadKey loads or creates the RSA identity.
func (a *app) loadKey() (*adbkey.Key, error) {
	path := a.config.KeyPath
	if path == "" {
		var err error
		path, err = adbkey.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	key, created, err := adbkey.LoadOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("adbkey: %w", err)
	}
	if created {
		log.Printf("generated new ADB key at %s; confirm the authorization prompt on the device", path)
	}
	return key, nil
}

// cmdDevices lists devices via the adb server.
func (a *app) cmdDevices() error {
	devices, err := server.New(a.config.Server).Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\n", d.Serial, d.State)
	}
	return nil
}

// expectOne runs fn on exactly one positional argument.
func expectOne(args []string, name string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one %s argument", name)
	}
	return fn(args[0])
}

// cmdShell runs a one-shot command or the interactive shell.
func (a *app) cmdShell(dev adb.Device, args []string) error {
	if len(args) > 0 {
		return dev.ShellCommand(os.Stdout, args...)
	}
	return interactiveShell(dev)
}

func cmdReboot(dev adb.Device, args []string) error {
	target := adb.RebootSystem
	if len(args) > 0 {
		switch args[0] {
		case "bootloader", "recovery", "sideload", "sideload-auto-reboot", "fastboot":
			target = adb.RebootTarget(args[0])
		default:
			return fmt.Errorf("unknown reboot target %q", args[0])
		}
	}
	return dev.Reboot(target)
}

func cmdRemount(dev adb.Device) error {
	entries, err := dev.Remount()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.Path, e.Mode)
	}
	return nil
}

func cmdReverse(dev adb.Device, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: reverse tcp:<remote-port> tcp:<local-port>")
	}
	remote, err := adb.ParseForwardSpec(args[0])
	if err != nil {
		return err
	}
	local, err := adb.ParseForwardSpec(args[1])
	if err != nil {
		return err
	}
	log.Printf("serving reverse %s -> %s (interrupt to stop)", remote, local)
	return dev.Reverse(remote, local)
}

func parseVidPid(spec string) (uint16, uint16, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad vid:pid %q", spec)
	}
	var vid, pid uint16
	if _, err := fmt.Sscanf(parts[0], "%x", &vid); err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(parts[1], "%x", &pid); err != nil {
		return 0, 0, err
	}
	return vid, pid, nil
}
