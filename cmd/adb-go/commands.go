package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adb-protocol/adb-go/pkg/adb"
	"github.com/adb-protocol/adb-go/pkg/discovery"
)

func cmdPush(dev adb.Device, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: push <local> <remote>")
	}
	local, remote := args[0], args[1]

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return dev.Push(f, remote, info.ModTime())
}

func cmdPull(dev adb.Device, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: pull <remote> [local]")
	}
	remote := args[0]
	local := filepath.Base(remote)
	if len(args) == 2 {
		local = args[1]
	}

	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()

	return dev.Pull(remote, f)
}

func cmdStat(dev adb.Device, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stat <path>")
	}
	entry, err := dev.Stat(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("mode:  %#o\n", entry.Mode)
	fmt.Printf("size:  %d\n", entry.Size)
	fmt.Printf("mtime: %s\n", entry.ModTime.Format(time.RFC3339))
	return nil
}

func cmdList(dev adb.Device, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ls <path>")
	}
	entries, err := dev.List(args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := ""
		switch e.Type {
		case adb.EntryTypeDirectory:
			marker = "/"
		case adb.EntryTypeSymlink:
			marker = "@"
		}
		fmt.Printf("%#o\t%10d\t%s\t%s%s\n",
			e.Permissions, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name, marker)
	}
	return nil
}

func cmdFramebuffer(dev adb.Device, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: framebuffer <out.raw>")
	}
	fb, err := dev.Framebuffer()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], fb.Pixels, 0644); err != nil {
		return err
	}
	fmt.Printf("captured %dx%d (%d bpp, version %d) to %s\n",
		fb.Info.Width, fb.Info.Height, fb.Info.BPP, fb.Info.Version, args[0])
	return nil
}

// cmdDiscover browses for network devices over mDNS.
func (a *app) cmdDiscover() error {
	browser := discovery.NewBrowser(discovery.BrowserConfig{Timeout: 5 * time.Second})
	found, err := browser.Browse(context.Background())
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no network devices found")
		return nil
	}
	for _, s := range found {
		addr, err := s.Addr()
		if err != nil {
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", s.Serial(), addr, s.ServiceType)
	}
	return nil
}
