// Command cuebox is the embedded network controller of spec.md: it
// bridges three pushbuttons, a rotary encoder, and a 3-pixel LED strip
// to one or more cue-playback application instances discovered via UDP
// broadcast.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"cuebox/internal/clock"
	"cuebox/internal/config"
	"cuebox/internal/input"
	"cuebox/internal/led"
	"cuebox/internal/platform"
	"cuebox/internal/remote"
	"cuebox/internal/store"
	"cuebox/internal/supervisor"
)

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		os.Exit(runDaemon(os.Args[2:]))
	case "unpair":
		os.Exit(runUnpair(os.Args[2:]))
	case "pair":
		os.Exit(runPairLike("pair", os.Args[2:]))
	case "pair-auto":
		os.Exit(runPairLike("pair-auto", os.Args[2:]))
	case "discover":
		os.Exit(runDiscover(os.Args[2:]))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "cuebox: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `cuebox: embedded controller for cue-playback applications

Usage: cuebox <command> [flags]

Commands:
  daemon      Run the controller (GPIO + LEDs + network)
  unpair      Clear the persisted pairing record
  pair        Run discovery and pairing once, then exit
  pair-auto   Alias of pair, for scripted use
  discover    Broadcast discovery and print responders

Flags are command-specific; run 'cuebox <command> -h' for details.
`)
}

func stateStorePath(cfg config.Config) string {
	return cfg.StateDir + "/state.json"
}

func loadConfigOrDefault(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("main: config load failed, using defaults", "path", path, "err", err)
	}
	return cfg
}

// runUnpair implements the `unpair` subcommand: wipes the persisted
// pairing record.
func runUnpair(args []string) int {
	fs := flag.NewFlagSet("unpair", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config.yaml")
	fs.Parse(args)

	cfg := loadConfigOrDefault(*configPath)
	clock.SetupLogging(clock.DefaultLogConfig())

	st := store.New(stateStorePath(cfg))
	if err := st.Save(store.Record{}); err != nil {
		slog.Error("main: unpair failed", "err", err)
		return 1
	}
	slog.Info("main: unpaired")
	return 0
}

// network bundles the subsystems every network-facing subcommand
// needs: outbound sender, inbound listener, reply waiters, discovery
// store, and the protocol helpers built on top of them.
type network struct {
	sender    *remote.Sender
	waiters   *remote.Waiters
	discovery *remote.DiscoveryStore
	endpoints *remote.Endpoints
	proto     *remote.Protocol
	listener  *remote.Listener
}

func bootstrapNetwork(clk clock.Clock, cfg config.Config, onAck remote.AckFunc) (*network, error) {
	sender := remote.NewSender()
	go sender.Run()

	waiters := remote.NewWaiters()
	discovery := remote.NewDiscoveryStore()
	endpoints := remote.NewEndpoints(clk)
	proto := remote.NewProtocol(clk, sender, waiters, cfg.QLabPort, cfg.PiReplyPort, cfg.OSCPasscode)

	listener, err := remote.NewListener(clk, cfg.PiListenIP, cfg.PiReplyPort, waiters, discovery, endpoints, onAck)
	if err != nil {
		sender.Stop()
		return nil, fmt.Errorf("main: listen on %s:%d: %w", cfg.PiListenIP, cfg.PiReplyPort, err)
	}
	go listener.Run()

	return &network{
		sender:    sender,
		waiters:   waiters,
		discovery: discovery,
		endpoints: endpoints,
		proto:     proto,
		listener:  listener,
	}, nil
}

func (n *network) Stop() {
	n.listener.Stop()
	n.sender.Stop()
}

func roleSuffixesFromConfig(cfg config.Config) remote.RoleSuffixes {
	return remote.RoleSuffixes{
		SuffixMain:       cfg.SuffixMain,
		SuffixBackup:     cfg.SuffixBackup,
		SuffixAux1:       cfg.SuffixAux1,
		ExpectedWSMain:   cfg.ExpectedWSMain,
		ExpectedWSBackup: cfg.ExpectedWSBackup,
	}
}

// pairOnce runs one discovery + role-decision cycle and, on success,
// persists the resulting record. Returns the process exit code the
// caller should use: 0 on success, 2 on pairing failure (spec.md §6).
func pairOnce(clk clock.Clock, cfg config.Config, st *store.Store, n *network, bcastIP string, wait time.Duration) int {
	runID := uuid.New().String()
	discoverer := remote.NewDiscoverer(n.discovery, n.proto, bcastIP, cfg.QLabPort, cfg.PiReplyPort, wait)
	responders := discoverer.Run(runID)

	candidates := remote.BuildCandidates(responders, roleSuffixesFromConfig(cfg))

	assignment, err := remote.DecideRoles(candidates)
	if err != nil {
		var conflictErr *remote.ConflictError
		if errors.As(err, &conflictErr) {
			slog.Error("main: pairing conflict", "run", runID, "reason", conflictErr.Reason)
		} else {
			slog.Error("main: pairing found no responders", "run", runID)
		}
		return 2
	}

	rec := store.Record{
		Paired:           true,
		PairedAt:         float64(clk.Wall().Unix()),
		QLabPort:         cfg.QLabPort,
		PiReplyPort:      cfg.PiReplyPort,
		ExpectedWSMain:   cfg.ExpectedWSMain,
		ExpectedWSBackup: cfg.ExpectedWSBackup,
		SuffixMain:       cfg.SuffixMain,
		SuffixBackup:     cfg.SuffixBackup,
		SuffixAux1:       cfg.SuffixAux1,
		Endpoints:        make(map[store.Role]store.EndpointRecord, len(assignment)),
	}
	for role, ep := range assignment {
		rec.Endpoints[role] = store.EndpointRecord{IP: ep.IP, WorkspaceName: ep.WorkspaceName, WorkspaceID: ep.WorkspaceID}
		n.proto.EnsureAppFlags(ep.IP, true)
		n.proto.EnsureConnected(ep, n.endpoints, true)
	}

	if err := st.Save(rec); err != nil {
		slog.Error("main: failed to persist pairing record", "run", runID, "err", err)
		return 1
	}

	slog.Info("main: paired", "run", runID, "roles", len(assignment))
	return 0
}

func runPairLike(name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config.yaml")
	bcast := fs.String("bcast", "", "override broadcast address")
	wait := fs.Float64("wait", 0, "override discovery wait window, in seconds")
	fs.Parse(args)

	cfg := loadConfigOrDefault(*configPath)
	clock.SetupLogging(clock.DefaultLogConfig())
	clk := clock.Real{}

	bcastIP := cfg.DiscoveryIP
	if *bcast != "" {
		bcastIP = *bcast
	}
	waitWindow := time.Duration(cfg.DiscoveryWait * float64(time.Second))
	if *wait > 0 {
		waitWindow = time.Duration(*wait * float64(time.Second))
	}

	n, err := bootstrapNetwork(clk, cfg, nil)
	if err != nil {
		slog.Error("main: network bootstrap failed", "err", err)
		return 1
	}
	defer n.Stop()

	st := store.New(stateStorePath(cfg))
	return pairOnce(clk, cfg, st, n, bcastIP, waitWindow)
}

func runDiscover(args []string) int {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config.yaml")
	bcast := fs.String("bcast", "", "override broadcast address")
	wait := fs.Float64("wait", 0, "override discovery wait window, in seconds")
	fs.Parse(args)

	cfg := loadConfigOrDefault(*configPath)
	clock.SetupLogging(clock.DefaultLogConfig())
	clk := clock.Real{}

	bcastIP := cfg.DiscoveryIP
	if *bcast != "" {
		bcastIP = *bcast
	}
	waitWindow := time.Duration(cfg.DiscoveryWait * float64(time.Second))
	if *wait > 0 {
		waitWindow = time.Duration(*wait * float64(time.Second))
	}

	n, err := bootstrapNetwork(clk, cfg, nil)
	if err != nil {
		slog.Error("main: network bootstrap failed", "err", err)
		return 1
	}
	defer n.Stop()

	runID := uuid.New().String()
	discoverer := remote.NewDiscoverer(n.discovery, n.proto, bcastIP, cfg.QLabPort, cfg.PiReplyPort, waitWindow)
	responders := discoverer.Run(runID)

	for ip, wsmap := range responders {
		for name, id := range wsmap {
			fmt.Printf("%s\t%s\t%s\n", ip, name, id)
		}
	}
	return 0
}

// runDaemon implements the long-running `daemon` subcommand: bootstraps
// every subsystem and runs the supervisor's 20Hz loop until a signal
// arrives.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config.yaml")
	debug := fs.Bool("debug", false, "raise log verbosity")
	fs.Parse(args)

	cfg := loadConfigOrDefault(*configPath)

	logCfg := clock.DefaultLogConfig()
	logCfg.Debug = *debug
	logCfg.LogFile = cfg.LogDir + "/qlab-box.log"
	clock.SetupLogging(logCfg)

	clk := clock.Real{}
	st := store.New(stateStorePath(cfg))

	if cfg.StartupForceUnpair {
		if err := st.Save(store.Record{}); err != nil {
			slog.Error("main: startup force-unpair failed", "err", err)
		} else {
			slog.Info("main: startup force-unpair complete")
		}
	}

	order := []store.Role{store.RolePrimary, store.RoleBackup, store.RoleAuxiliary}

	// sv is wired after bootstrapNetwork so the listener's ack callback
	// can reach it; the closure only runs once traffic arrives, by
	// which point sv is always set.
	var sv *supervisor.Supervisor
	onAck := func(role store.Role, action string) {
		if sv != nil {
			sv.OnAck(role, action)
		}
	}

	n, err := bootstrapNetwork(clk, cfg, onAck)
	if err != nil {
		slog.Error("main: network bootstrap failed", "err", err)
		return 1
	}
	defer n.Stop()

	liveness := remote.NewLiveness(clk, n.proto, n.endpoints, st, roleSuffixesFromConfig(cfg))

	driver, inputs := bootstrapHardware(clk, cfg)

	deps := supervisor.Deps{
		Clk:       clk,
		Store:     st,
		Sender:    n.sender,
		Waiters:   n.waiters,
		Discovery: n.discovery,
		Proto:     n.proto,
		Endpoints: n.endpoints,
		Liveness:  liveness,
		Listener:  n.listener,
		Driver:    driver,
		Inputs:    inputs,
	}
	sv = supervisor.New(cfg, deps, order)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go sv.Run()
	slog.Info("main: daemon running")

	<-ctx.Done()
	slog.Info("main: shutting down")
	sv.Stop()
	return 0
}

// bootstrapHardware opens GPIO lines and the LED driver. Any failure is
// logged and the corresponding subsystem is left disabled
// (HardwareMissing, spec.md §7) rather than aborting the daemon — this
// lets `daemon` run on a dev machine with no attached peripherals.
func bootstrapHardware(clk clock.Clock, cfg config.Config) (led.Driver, supervisor.Inputs) {
	if err := platform.InitHost(); err != nil {
		slog.Warn("main: gpio host init failed, inputs and LEDs disabled", "err", err)
		return noopDriver{}, supervisor.Inputs{}
	}

	var driver led.Driver = noopDriver{}
	if cfg.WS2812Enabled {
		d, err := platform.OpenWS2812("SPI0.0")
		if err != nil {
			slog.Warn("main: ws2812 driver unavailable, LEDs disabled", "err", err)
		} else {
			driver = d
		}
	}

	var inputs supervisor.Inputs
	if line, err := platform.OpenLine(cfg.PinBtnGo); err == nil {
		inputs.Go = input.NewButton(clk, line, "go")
	} else {
		slog.Warn("main: go button unavailable", "err", err)
	}
	if line, err := platform.OpenLine(cfg.PinBtnPause); err == nil {
		inputs.Pause = input.NewButton(clk, line, "pause")
	} else {
		slog.Warn("main: pause button unavailable", "err", err)
	}
	if line, err := platform.OpenLine(cfg.PinBtnPanic); err == nil {
		inputs.Panic = input.NewButton(clk, line, "panic")
	} else {
		slog.Warn("main: panic button unavailable", "err", err)
	}

	clkLine, clkErr := platform.OpenLine(cfg.EncCLK)
	dtLine, dtErr := platform.OpenLine(cfg.EncDT)
	if clkErr == nil && dtErr == nil {
		inputs.Encoder = input.NewEncoder(clk, clkLine, dtLine)
	} else {
		slog.Warn("main: encoder unavailable", "clkErr", clkErr, "dtErr", dtErr)
	}

	if swLine, err := platform.OpenLine(cfg.EncSW); err == nil {
		inputs.PairSwitch = input.NewPairSwitch(clk, swLine)
	} else {
		slog.Warn("main: pair switch unavailable", "err", err)
	}

	return driver, inputs
}

// noopDriver discards every frame; used when no LED hardware is
// available.
type noopDriver struct{}

func (noopDriver) Show(pixels []led.RGB) error { return nil }
