// Command vnetd is the process entry point for the vhost-net driver core.
// It is a thin composition layer: flag parsing, config loading, and device
// construction glue, with no queue-pair or ring logic of its own.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/run2c/vnet/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with -ldflags "-X main.Build=SOMEVERSION"
// at compile time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	serviceFlag := flag.String("service", "", "Control the system service (install, uninstall, start, stop, run).")
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	tapOverride := flag.String("tap", "", "Override the tap interface name from config")
	ringSizeOverride := flag.Int("ring-size", 0, "Override the virtqueue size from config (0 keeps the config value)")
	printVersion := flag.Bool("version", false, "Print version")
	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *serviceFlag != "" {
		doService(configPath, tapOverride, ringSizeOverride, Build, serviceFlag)
		return
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	d, err := newDaemon(*configPath, *tapOverride, *ringSizeOverride)
	if err != nil {
		l := logrus.New()
		l.Out = os.Stderr
		util.LogWithContextIfNeeded("failed to construct vhost-net device", err, l)
		os.Exit(1)
	}

	d.Start()
	d.ShutdownBlock()
}
