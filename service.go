package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface around runServer.
type program struct {
	configPath string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	svcLogger  service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("Printfarm server service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if err := runServer(p.ctx, p.configPath); err != nil && p.svcLogger != nil {
		p.svcLogger.Error(fmt.Sprintf("Printfarm server failed: %v", err))
	}
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("Printfarm server service stopped gracefully")
		}
	case <-time.After(45 * time.Second):
		if p.svcLogger != nil {
			p.svcLogger.Warning("Printfarm server service stopped with timeout")
		}
	}
	return nil
}

func getServiceConfig(configPath string) *service.Config {
	args := []string{"--service", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &service.Config{
		Name:        "PrintfarmServer",
		DisplayName: "Printfarm Server",
		Description: "Printfarm control plane. Reconciles printers, schedules jobs and mirrors printer state to the OPC UA twin.",
		Arguments:   args,
		Option: service.KeyValue{
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillSignal":        "SIGTERM",
		},
	}
}

// handleServiceCommand processes install/uninstall/start/stop/run.
func handleServiceCommand(cmd, configPath string) {
	prg := &program{configPath: configPath}
	s, err := service.New(prg, getServiceConfig(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "install":
		err = s.Install()
	case "uninstall":
		err = s.Uninstall()
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "run":
		err = s.Run()
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

// runAsService is used when the process was launched by the service manager
// without an explicit --service flag.
func runAsService(configPath string) {
	prg := &program{configPath: configPath}
	s, err := service.New(prg, getServiceConfig(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create service: %v\n", err)
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Service run failed: %v\n", err)
		os.Exit(1)
	}
}
