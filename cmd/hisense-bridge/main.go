// hisense-bridge exposes Hisense TVs to Home Assistant as MQTT switches.
//
// For each configured TV it publishes two switches: power, driven by
// Wake-on-LAN and the remote's power key, and game mode, driven by the
// TV's picture-setting menu. State is reconciled purely from the
// notifications the TV publishes on its remote-app MQTT tree.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hisense-bridge serve              Run the bridge
//	hisense-bridge init [dir]         Write an example config
//	hisense-bridge version            Print version and build information
//	hisense-bridge -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/hisense-bridge/internal/buildinfo"
	"github.com/nugget/hisense-bridge/internal/bus"
	"github.com/nugget/hisense-bridge/internal/config"
	"github.com/nugget/hisense-bridge/internal/connwatch"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/hass"
	"github.com/nugget/hisense-bridge/internal/mqtt"
	"github.com/nugget/hisense-bridge/internal/status"
	"github.com/nugget/hisense-bridge/internal/tv"
	"github.com/nugget/hisense-bridge/internal/wol"
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal error
// messages are returned for main to print. It returns nil on clean
// shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	flagSet := pflag.NewFlagSet("hisense-bridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {}
	configPath := flagSet.String("config", "", "path to config file (default: auto-discover)")
	outputFmt := flagSet.StringP("output", "o", "text", "output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return printUsage(stdout, flagSet)
		}
		return err
	}

	if *outputFmt != "text" && *outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", *outputFmt)
	}

	command := flagSet.Arg(0)
	var cmdArgs []string
	if flagSet.NArg() > 1 {
		cmdArgs = flagSet.Args()[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, *configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, *outputFmt)
	case "":
		return printUsage(stdout, flagSet)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) error {
	fmt.Fprintln(w, "hisense-bridge - Hisense TV switches for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hisense-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the bridge")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hisense-bridge/config.yaml, /etc/hisense-bridge/config.yaml")
	return nil
}

// television groups the switches built for one configured TV.
type television struct {
	id       tv.Identity
	switches []tv.Controllable
}

// buildTelevisions creates the power and game-mode switches for every
// configured TV. newWaker is called once per TV with its WOL port.
func buildTelevisions(tvs []config.TVConfig, b bus.Bus, newWaker func(port int) bus.Waker,
	n tv.Notifier, ev *events.Bus, logger *slog.Logger) ([]television, error) {
	out := make([]television, 0, len(tvs))
	for _, t := range tvs {
		id, err := tv.NewIdentity(t.Name, t.MAC, t.IPAddress, t.MQTTIn, t.MQTTOut, t.ClientID, t.UniqueID)
		if err != nil {
			return nil, err
		}
		cfg := tv.Config{
			Identity: id,
			Bus:      b,
			Waker:    newWaker(t.WOLPort),
			Notifier: n,
			Events:   ev,
			Logger:   logger.With("tv", id.Name),
		}
		out = append(out, television{
			id:       id,
			switches: []tv.Controllable{tv.NewPowerSwitch(cfg), tv.NewGameModeSwitch(cfg)},
		})
	}
	return out, nil
}

// runServe runs the bridge until SIGINT/SIGTERM.
//
// Startup order: connect to the broker, register every switch with Home
// Assistant (discovery, command subscription, initial state), then
// activate the switches so the TV's retained notifications arrive last.
// Shutdown reverses it: deactivate switches, drop HA subscriptions,
// publish offline and disconnect.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting hisense-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel was already checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "broker", cfg.MQTT.Broker, "tvs", len(cfg.TVs))

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	clientID := mqtt.ClientID(instanceID)
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID, "client_id", clientID)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ev := events.New()
	client := mqtt.New(cfg.MQTT, clientID, ev, logger.With("component", "mqtt"))
	adapter := hass.New(client, hass.Config{
		DiscoveryPrefix:         cfg.MQTT.DiscoveryPrefix,
		BaseTopic:               cfg.MQTT.BaseTopic,
		BridgeAvailabilityTopic: client.AvailabilityTopic(),
	}, ev, logger.With("component", "hass"))
	client.OnConnect(adapter.Republish)

	wolLogger := logger.With("component", "wol")
	tvs, err := buildTelevisions(cfg.TVs, client, func(port int) bus.Waker {
		return wol.NewSender(port, wolLogger)
	}, adapter, ev, logger)
	if err != nil {
		return err
	}

	// The broker connection outlives the signal context so shutdown can
	// still unsubscribe and publish offline.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()
	if err := client.Start(connCtx); err != nil {
		return err
	}

	connMgr := connwatch.NewManager(ev, logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return client.AwaitConnection(awaitCtx)
		},
	})

	if err := adapter.Start(ctx); err != nil {
		logger.Warn("home assistant status subscription failed", "error", err)
	}

	var serveErr error
	var server *status.Server
	errCh := make(chan error, 1)

	active, err := activateTelevisions(ctx, adapter, tvs, logger)
	if err != nil {
		serveErr = err
	} else {
		if cfg.Listen.Port > 0 {
			server = status.NewServer(status.Config{
				Address:  cfg.Listen.Address,
				Port:     cfg.Listen.Port,
				Registry: adapter,
				Health:   connMgr,
				Counters: client.Counters(),
				Events:   ev,
				Logger:   logger.With("component", "status"),
			})
			go func() { errCh <- server.Start(ctx) }()
		}

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				serveErr = fmt.Errorf("status server failed: %w", err)
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	deactivateTelevisions(shutdownCtx, active, adapter, logger)
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}

	logger.Info("hisense-bridge stopped")
	return serveErr
}

// registrar is the part of the Home Assistant adapter startup and
// shutdown need.
type registrar interface {
	Register(ctx context.Context, ctl tv.Controllable, id tv.Identity) error
	Close(ctx context.Context) error
}

// activateTelevisions registers and activates every switch in order. On
// failure it stops and returns the switches activated so far along with
// the error, so the caller can take them down again.
func activateTelevisions(ctx context.Context, reg registrar, tvs []television, logger *slog.Logger) ([]tv.Controllable, error) {
	var active []tv.Controllable
	for _, t := range tvs {
		for _, sw := range t.switches {
			if err := reg.Register(ctx, sw, t.id); err != nil {
				return active, fmt.Errorf("register %s: %w", sw.State().UniqueID, err)
			}
			if err := sw.Activate(ctx); err != nil {
				return active, fmt.Errorf("activate %s: %w", sw.State().UniqueID, err)
			}
			active = append(active, sw)
		}
		logger.Info("tv ready", "tv", t.id.Name, "unique_id", t.id.UniqueID, "namespace", t.id.InNamespace)
	}
	return active, nil
}

// deactivateTelevisions releases the switches' subscriptions and then the
// adapter's command subscriptions. Failures are logged.
func deactivateTelevisions(ctx context.Context, active []tv.Controllable, reg registrar, logger *slog.Logger) {
	for _, sw := range active {
		if err := sw.Deactivate(ctx); err != nil {
			logger.Warn("deactivate failed", "unique_id", sw.State().UniqueID, "error", err)
		}
	}
	if err := reg.Close(ctx); err != nil {
		logger.Warn("home assistant adapter close failed", "error", err)
	}
}

// loadConfig locates and parses the YAML configuration file. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
