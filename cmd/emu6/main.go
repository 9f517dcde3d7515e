// Copyright (c) 2020 Cisco Systems and/or its affiliates.
// Licensed under the Apache License, Version 2.0 (the "License");
// that can be found in the LICENSE file in the root of the source
// tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emu6/core"
	"emu6/plugins/ipv6"

	"github.com/akamensky/argparse"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("main")

type MainArgs struct {
	config   *string
	verbose  *bool
	sim      *bool
	time     *int
	rpc      *string
	metrics  *string
	file     *string
	version  *bool
	duration time.Duration
}

func parseMainArgs() (*MainArgs, error) {
	var args MainArgs
	parser := argparse.NewParser("emu6", "emu6 runs an ipv6 host stack over tap devices")

	args.config = parser.String("c", "config", &argparse.Options{Default: "emu6.yaml", Help: "Path of the json or yaml configuration"})
	args.verbose = parser.Flag("v", "verbose", &argparse.Options{Default: false, Help: "Run in verbose mode"})
	args.sim = parser.Flag("s", "simulator", &argparse.Options{Default: false, Help: "Run over simulated links, no tap devices"})
	args.time = parser.Int("t", "time", &argparse.Options{Default: 10, Help: "Time of the simulation in sec"})
	args.rpc = parser.String("r", "rpc", &argparse.Options{Default: "", Help: "Address of the json-rpc server, overrides the configuration"})
	args.metrics = parser.String("m", "metrics", &argparse.Options{Default: "", Help: "Address of the prometheus endpoint, overrides the configuration"})
	args.file = parser.String("f", "file", &argparse.Options{Default: "", Help: "Path to save the pcap file of the simulated links"})
	args.version = parser.Flag("V", "version", &argparse.Options{Default: false, Help: "Show emu6 version"})

	if err := parser.Parse(os.Args); err != nil {
		return nil, fmt.Errorf("%s", parser.Usage(err))
	}
	args.duration = time.Duration(*args.time) * time.Second
	return &args, nil
}

func createLinks(tctx *core.CThreadCtx, cfg *core.Config) ([]*core.VethTap, error) {
	var taps []*core.VethTap
	for i := range cfg.Interfaces {
		ic := &cfg.Interfaces[i]
		if cfg.Simulator {
			core.NewVethSim(tctx, ic.Name, ic.Mac, ic.Mtu, nil)
			continue
		}
		name := ic.Tap
		if name == "" {
			name = ic.Name
		}
		tap, err := core.NewVethTap(tctx, ic.Name, name, ic.Mac, ic.Mtu)
		if err != nil {
			for _, t := range taps {
				t.Close()
			}
			return nil, err
		}
		taps = append(taps, tap)
	}
	return taps, nil
}

func serveApi(tctx *core.CThreadCtx, cfg *core.Config) (*core.CJsonRPC2, error) {
	rpc, err := core.NewJsonRpc(tctx)
	if err != nil {
		return nil, err
	}
	extra := make(map[string]http.Handler)
	if cfg.Metrics != "" {
		collector := core.NewCounterCollector("emu6", func(fn func(vec *core.CCounterDbVec)) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := tctx.Call(ctx, func() { fn(tctx.GetCounterDbVec()) }); err != nil {
				log.Warningf("metrics snapshot %v", err)
			}
		})
		h, err := core.MetricsHandler(collector)
		if err != nil {
			return nil, err
		}
		if cfg.Metrics == cfg.Rpc {
			extra["/metrics"] = h
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			srv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("metrics server %v", err)
				}
			}()
		}
	}
	if cfg.Rpc == "" {
		return rpc, nil
	}
	if err := rpc.Listen(cfg.Rpc, extra); err != nil {
		return nil, err
	}
	return rpc, nil
}

func run(args *MainArgs) error {
	cfg, err := core.LoadConfig(*args.config)
	if err != nil {
		return err
	}
	if *args.verbose {
		cfg.Verbose = true
	}
	if *args.sim {
		cfg.Simulator = true
	}
	if *args.rpc != "" {
		cfg.Rpc = *args.rpc
	}
	if *args.metrics != "" {
		cfg.Metrics = *args.metrics
	}
	if *args.file != "" {
		cfg.Capture = *args.file
	}
	core.ConfigureLogger(cfg.Verbose)

	tctx := core.NewThreadCtx(cfg.Simulator, cfg.MaxMbufs)
	defer tctx.Delete()

	taps, err := createLinks(tctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range taps {
			t.Close()
		}
	}()

	if cfg.Simulator && cfg.Capture != "" {
		pcap, err := core.NewPcapFile(cfg.Capture, tctx.SimNow)
		if err != nil {
			return err
		}
		defer pcap.Close()
		for _, v := range tctx.Veths() {
			if sim, ok := v.(*core.VethSim); ok {
				sim.SetCapture(pcap)
			}
		}
	}

	var svc *ipv6.Ip6Service
	tctx.Run(func() {
		svc, err = ipv6.NewServiceFromConfig(tctx, cfg)
	})
	if err != nil {
		return err
	}
	defer tctx.Run(svc.Delete)

	rpc, err := serveApi(tctx, cfg)
	if err != nil {
		return err
	}
	defer rpc.Close(context.Background())

	if cfg.Simulator {
		log.Infof("simulation of %v", args.duration)
		tctx.MainLoopSim(args.duration)
		return nil
	}

	for _, t := range taps {
		t.StartRxThread()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Noticef("emu6 %s running on %d interfaces", core.BuildVersion, len(cfg.Interfaces))
	if err := tctx.MainLoop(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	args, err := parseMainArgs()
	if err != nil {
		fmt.Print(err)
		os.Exit(2)
	}
	if *args.version {
		fmt.Println(core.VersionString())
		os.Exit(0)
	}
	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "emu6: %v\n", err)
		os.Exit(1)
	}
}
