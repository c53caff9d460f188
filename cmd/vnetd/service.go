package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
)

var svcLogger service.Logger

type program struct {
	configPath       *string
	tapOverride      *string
	ringSizeOverride *int
	d                *daemon
}

func (p *program) Start(s service.Service) error {
	svcLogger.Info("vnetd service starting.")

	d, err := newDaemon(*p.configPath, *p.tapOverride, *p.ringSizeOverride)
	if err != nil {
		return fmt.Errorf("failed to construct vhost-net device: %w", err)
	}
	p.d = d
	p.d.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	svcLogger.Info("vnetd service stopping.")
	p.d.Stop()
	return nil
}

func doService(configPath, tapOverride *string, ringSizeOverride *int, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/vnetd.yaml"
	}

	svcConfig := &service.Config{
		Name:        "vnetd",
		DisplayName: "virtio-net driver core",
		Description: "Host-side vhost-net queue pair driver",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{configPath: configPath, tapOverride: tapOverride, ringSizeOverride: ringSizeOverride}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	svcLogger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		if err := s.Run(); err != nil {
			svcLogger.Error(err)
		}
	default:
		if err := service.Control(s, *serviceFlag); err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
	}
}
