package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orizon-lang/vmcore/internal/cli"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/mmconfig"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/physmem"
	"github.com/orizon-lang/vmcore/internal/runtime/kernel/vm"
	"github.com/orizon-lang/vmcore/internal/runtime/telemetry"
	"github.com/orizon-lang/vmcore/internal/runtime/vfs"
)

var commands = []cli.CommandInfo{
	{Name: "run", Description: "boot a memory manager and run the demo workload"},
	{Name: "init", Description: "write a default configuration file"},
	{Name: "stats", Description: "fetch /metrics or /regions from a running instance"},
	{Name: "version", Description: "show version information"},
}

func main() {
	if len(os.Args) < 2 {
		cli.PrintUsage(os.Stderr, "vmcore", commands)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "init":
		err = initCmd(os.Args[2:])
	case "stats":
		err = statsCmd(os.Args[2:], os.Stdout)
	case "version", "-version", "--version":
		fs := flag.NewFlagSet("version", flag.ExitOnError)
		jsonOut := fs.Bool("json", false, "output in JSON format")
		_ = fs.Parse(os.Args[2:])
		cli.PrintVersion(os.Stdout, "vmcore", *jsonOut)
	case "help", "-h", "--help":
		cli.PrintUsage(os.Stdout, "vmcore", commands)
	default:
		cli.PrintUsage(os.Stderr, "vmcore", commands)
		os.Exit(2)
	}
	if err != nil {
		cli.ExitWithError("%v", err)
	}
}

func initCmd(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", "vmcore.json", "configuration file path")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force)", *path)
	}
	if err := mmconfig.Default().Save(*path); err != nil {
		return err
	}
	fmt.Printf("Configuration initialized: %s\n", *path)
	return nil
}

type runOptions struct {
	config  string
	memmap  string
	ramMiB  uint64
	file    string
	serve   bool
	tlsCert string
	tlsKey  string
}

func runCmd(args []string) error {
	var o runOptions
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&o.config, "config", "", "configuration file (defaults when empty)")
	fs.StringVar(&o.memmap, "memmap", "", "JSON memory map (a default map when empty)")
	fs.Uint64Var(&o.ramMiB, "ram", 64, "usable RAM in MiB for the default memory map")
	fs.StringVar(&o.file, "file", "", "file to map shared during the workload")
	fs.BoolVar(&o.serve, "serve", false, "keep serving telemetry until interrupted")
	fs.StringVar(&o.tlsCert, "tls-cert", "", "PEM certificate for HTTP/3 (self-signed when empty)")
	fs.StringVar(&o.tlsKey, "tls-key", "", "PEM key for HTTP/3")
	_ = fs.Parse(args)

	cfg := mmconfig.Default()
	if o.config != "" {
		var err error
		if cfg, err = mmconfig.Load(o.config); err != nil {
			return err
		}
	}
	logger := cli.LevelLogger(cfg.LogLevel, os.Stdout)

	memmap := physmem.DefaultMemoryMap(o.ramMiB << 20)
	if o.memmap != "" {
		var err error
		if memmap, err = physmem.LoadMemoryMap(o.memmap); err != nil {
			return err
		}
	}
	mm, err := vm.New(cfg, memmap, vm.WithLogger(logger.Std()))
	if err != nil {
		return err
	}
	defer mm.Close()
	st := mm.Stats()
	logger.Info("booted %d cpus with %d frames (%d reserved)", mm.CPUs(), st.Frames.Total, st.Frames.Reserved)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.config != "" {
		go watchConfig(ctx, o.config, cfg.Tunables, mm, logger)
	}

	srv, err := startTelemetry(cfg.Telemetry, o, mm, logger)
	if err != nil {
		return err
	}
	if srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	w := &workload{mm: mm, fsys: vfs.NewOS(), file: o.file, logger: logger}
	if err := w.run(ctx); err != nil {
		return fmt.Errorf("workload: %w", err)
	}
	data, _ := json.MarshalIndent(mm.Stats(), "", "  ")
	fmt.Println(string(data))

	if o.serve && srv != nil {
		logger.Info("serving telemetry, interrupt to exit")
		<-ctx.Done()
	}
	return nil
}

func watchConfig(ctx context.Context, path string, base mmconfig.Tunables, mm *vm.MemoryManager, logger *cli.Logger) {
	var w vfs.Watcher
	if fw, err := vfs.NewFSWatcher(); err == nil {
		w = fw
	} else {
		logger.Warn("fsnotify unavailable (%v), polling %s", err, path)
		sw := vfs.NewSimpleWatcher(vfs.NewOS())
		sw.StartPolling(ctx, time.Second)
		w = sw
	}
	defer w.Close()
	apply := func(t mmconfig.Tunables) {
		if err := mm.SetTunables(t); err != nil {
			logger.Warn("rejecting tunables: %v", err)
		}
	}
	if err := mmconfig.Watch(ctx, path, base, w, apply, logger.Std()); err != nil && ctx.Err() == nil {
		logger.Error("config watch stopped: %v", err)
	}
}

func startTelemetry(tc mmconfig.TelemetryConfig, o runOptions, mm *vm.MemoryManager, logger *cli.Logger) (*telemetry.Server, error) {
	if tc.Addr == "" && tc.HTTP3Addr == "" {
		return nil, nil
	}
	srv := telemetry.NewServer(telemetry.NewHandler(mm, nil), logger.Std())
	if tc.Addr != "" {
		addr, err := srv.ListenTCP(tc.Addr)
		if err != nil {
			return nil, err
		}
		logger.Info("metrics on http://%s/metrics", addr)
	}
	if tc.HTTP3Addr != "" {
		var tlsCfg *tls.Config
		if o.tlsCert != "" {
			var err error
			if tlsCfg, err = telemetry.LoadTLS(o.tlsCert, o.tlsKey); err != nil {
				return nil, err
			}
		}
		addr, err := srv.ListenHTTP3(tc.HTTP3Addr, tlsCfg)
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return nil, err
		}
		logger.Info("metrics on https://%s/metrics (http/3)", addr)
	}
	return srv, nil
}

func statsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://127.0.0.1:9464/metrics", "endpoint to fetch; https:// uses HTTP/3")
	insecure := fs.Bool("insecure", true, "skip certificate verification for HTTP/3")
	_ = fs.Parse(args)

	client, done := telemetry.NewClient(*url, *insecure, 5*time.Second)
	defer done()
	resp, err := client.Get(*url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", *url, resp.Status)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
