package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/corevisor/internal/config"
	"github.com/spin-stack/corevisor/internal/controlapi"
	"github.com/spin-stack/corevisor/internal/engine"
	"github.com/spin-stack/corevisor/internal/engine/check"
	"github.com/spin-stack/corevisor/internal/host/dns"
	"github.com/spin-stack/corevisor/internal/host/inspect"
	"github.com/spin-stack/corevisor/internal/host/janitor"
	"github.com/spin-stack/corevisor/internal/host/link"
	"github.com/spin-stack/corevisor/internal/host/port"
	"github.com/spin-stack/corevisor/internal/host/privilege"
	"github.com/spin-stack/corevisor/internal/paths"
	"github.com/spin-stack/corevisor/internal/profile"
	"github.com/spin-stack/corevisor/internal/store"
	"github.com/spin-stack/corevisor/internal/telemetry"
)

var runOpts struct {
	Telemetry bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine and keep it alive until interrupted",
	Long: `Start the engine and supervise it: restart it after crashes, follow
network link changes and restore DNS on exit. Blocks until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.Telemetry, "telemetry", false, "log the engine's traffic, log and connection streams at trace level")
}

// stack is every component the run command wires together.
type stack struct {
	sup     *engine.Supervisor
	monitor *link.Monitor
	dns     *dns.Manager
	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.L.WithError(err).Warn("run: close failed")
		}
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fatal := make(chan error, 1)
	st, err := buildStack(ctx, cfg, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.sup.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if st.monitor != nil {
		st.monitor.Start(ctx)
	}
	log.G(ctx).WithField("status", st.sup.Status()).Info("run: engine supervised, waiting for signal")

	var runErr error
	select {
	case <-ctx.Done():
		log.G(ctx).Info("run: shutting down")
	case runErr = <-fatal:
	}

	// The signal context is done; shutdown gets its own.
	stopCtx := context.WithoutCancel(ctx)
	if st.monitor != nil {
		st.monitor.Stop()
	}
	if err := st.sup.Stop(stopCtx); err != nil {
		log.G(stopCtx).WithError(err).Warn("run: engine stop reported errors")
	}
	if st.dns != nil {
		if err := st.dns.Restore(stopCtx); err != nil {
			log.G(stopCtx).WithError(err).Warn("run: failed to restore DNS")
		}
	}
	return runErr
}

func buildStack(ctx context.Context, cfg *config.Config, onFatal func(error)) (*stack, error) {
	binary := paths.EngineBinary(cfg.Paths)
	if binary == "" {
		return nil, errors.New("no engine binary found; set paths.engine_binary")
	}
	endpoint := paths.ControlEndpoint(cfg.Paths)

	prof := profile.NewFile(cfg.Paths.RuntimeConfig)
	current, err := prof.Load()
	if err != nil {
		return nil, err
	}

	st := &stack{}
	ins := inspect.New()
	api := controlapi.New(endpoint, current.Secret)

	bindings, err := store.Open[port.Binding](paths.StateDB(cfg.Paths), "bindings")
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, bindings.Close)

	opts := []engine.Option{
		engine.WithInspector(ins),
		engine.WithBindings(bindings),
		engine.WithPorts(&port.Negotiator{
			Inspector:    ins,
			EngineBinary: binary,
			Rechecks:     cfg.Retry.PortTransient,
			RecheckWait:  cfg.Timeouts.GetPortTransientWait(),
		}),
		engine.WithJanitor(janitor.New(ins,
			janitor.WithAttempts(cfg.Retry.JanitorAttempts, cfg.Timeouts.GetJanitorBackoff()),
			janitor.WithSettle(cfg.Timeouts.GetJanitorSettle()),
		)),
		engine.WithChecker(&check.Gate{Binary: binary, Timeout: cfg.Timeouts.GetProfileCheck()}),
		engine.WithGranter(privilege.NewGranter(binary, privilege.DefaultElevator(),
			privilege.WithRoots(cfg.Privilege.InstallRoots, cfg.Privilege.DevRoots),
		)),
		engine.WithAPI(api),
		engine.WithFatalHandler(onFatal),
	}

	if runOpts.Telemetry {
		opts = append(opts, engine.WithTelemetry(telemetry.New(api, func(stream string, data []byte) {
			log.G(ctx).WithField("stream", stream).Trace(string(data))
		})))
	}

	lister := link.NewLister()
	if cfg.DNS.Override {
		dnsStore, err := store.Open[dns.State](paths.StateDB(cfg.Paths), "dns")
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, dnsStore.Close)

		tunDevice := current.TUN.Device
		st.dns = dns.NewManager(dnsStore, cfg.DNS.Resolver,
			dns.WithService(cfg.DNS.Service),
			dns.WithRetry(cfg.Timeouts.GetDNSRetry()),
			dns.WithOnline(link.Online(lister, tunDevice)),
		)
		opts = append(opts, engine.WithDNS(st.dns))
	}

	st.sup = engine.New(engine.ConfigFrom(cfg, binary, endpoint), prof, opts...)

	if cfg.Link.Enabled {
		st.monitor = link.NewMonitor(lister, st.sup, logProxy{}, link.Config{
			Interval: cfg.Timeouts.GetLinkPoll(),
			Exclude:  cfg.Link.Exclude,
		})
	}
	return st, nil
}

// logProxy stands in for the desktop system proxy, which the headless
// runner does not manage.
type logProxy struct{}

func (logProxy) Enable(ctx context.Context) error {
	log.G(ctx).Info("run: network up, system proxy may be enabled")
	return nil
}

func (logProxy) Disable(ctx context.Context) error {
	log.G(ctx).Info("run: network down, system proxy may be disabled")
	return nil
}
