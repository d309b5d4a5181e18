// Command scale-to-zero-controller runs the userspace control plane:
// loads and attaches the XDP classifier, then launches the Cluster
// Watcher, Registry Sync, Wake Consumer, and Scaler concurrently.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/isala404/scale-to-zero-ebpf/pkg/classifier"
	"github.com/isala404/scale-to-zero-ebpf/pkg/metrics"
	"github.com/isala404/scale-to-zero-ebpf/pkg/orchestrator"
	"github.com/isala404/scale-to-zero-ebpf/pkg/registry"
	"github.com/isala404/scale-to-zero-ebpf/pkg/scaler"
	"github.com/isala404/scale-to-zero-ebpf/pkg/sync"
	"github.com/isala404/scale-to-zero-ebpf/pkg/table"
	"github.com/isala404/scale-to-zero-ebpf/pkg/version"
	"github.com/isala404/scale-to-zero-ebpf/pkg/wake"
	"github.com/isala404/scale-to-zero-ebpf/pkg/watcher"
)

func envName(suffix string) string {
	return version.ProgramUpper + "_" + suffix
}

func main() {
	app := &cli.App{
		Name:    version.Program,
		Usage:   "scale-to-zero eBPF controller",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "iface", Value: "eth0", Usage: "network interface to attach the classifier to", EnvVars: []string{envName("IFACE")}},
			&cli.BoolFlag{Name: "attach-all-interfaces", Usage: "attach the classifier to every non-loopback, up interface instead of --iface", EnvVars: []string{envName("ATTACH_ALL")}},
			&cli.StringFlag{Name: "attach-mode", Value: "default", Usage: "XDP attach mode: default|skb|hw", EnvVars: []string{envName("ATTACH_MODE")}},
			&cli.StringFlag{Name: "kubeconfig", Usage: "path to kubeconfig; defaults to in-cluster config", EnvVars: []string{envName("KUBECONFIG")}},
			&cli.StringFlag{Name: "namespace", Value: "default", Usage: "namespace to watch Services/Deployments/StatefulSets in", EnvVars: []string{envName("NAMESPACE")}},
			&cli.StringFlag{Name: "metrics-addr", Value: ":9100", Usage: "address to serve /metrics on", EnvVars: []string{envName("METRICS_ADDR")}},
			&cli.DurationFlag{Name: "sync-interval", Value: sync.DefaultInterval, Usage: "registry-to-kernel-table sync period", EnvVars: []string{envName("SYNC_INTERVAL")}},
			&cli.DurationFlag{Name: "scale-down-check-interval", Value: scaler.DefaultScaleDownCheckInterval, Usage: "scale-down idle check period", EnvVars: []string{envName("SCALE_DOWN_CHECK_INTERVAL")}},
			&cli.BoolFlag{Name: "dry-run", Usage: "run the control plane without loading or attaching the kernel classifier", EnvVars: []string{envName("DRY_RUN")}},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level: trace|debug|info|warn|error", EnvVars: []string{envName("LOG_LEVEL")}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	attachMode, err := classifier.ParseAttachMode(c.String("attach-mode"))
	if err != nil {
		return err
	}

	orchClient, err := orchestrator.NewClient(c.String("kubeconfig"), c.String("namespace"))
	if err != nil {
		return fmt.Errorf("build orchestrator client: %w", err)
	}

	reg := registry.New()

	var (
		loader   *classifier.Loader
		attached []*classifier.Attached
	)
	var dryRunTable *table.InMemory
	if c.Bool("dry-run") {
		logrus.Warn("running in --dry-run mode: no kernel classifier will be loaded or attached")
		dryRunTable = table.NewInMemory()
	} else {
		loader, err = classifier.Load()
		if err != nil {
			return fmt.Errorf("load classifier: %w", err)
		}
		defer loader.Close()

		if c.Bool("attach-all-interfaces") {
			attached, err = classifier.AttachToAllInterfaces(loader, attachMode)
		} else {
			var a *classifier.Attached
			a, err = classifier.AttachToInterface(loader, c.String("iface"), attachMode)
			if a != nil {
				attached = []*classifier.Attached{a}
			}
		}
		if err != nil {
			return fmt.Errorf("attach classifier: %w", err)
		}
		defer func() {
			for _, a := range attached {
				if cerr := a.Close(); cerr != nil {
					logrus.WithError(cerr).WithField("interface", a.Interface).Warn("failed to detach classifier")
				}
			}
		}()
	}

	w := watcher.New(orchClient, reg)
	s := scaler.New(orchClient, reg, c.Duration("scale-down-check-interval"))
	metricsServer := metrics.NewServer(c.String("metrics-addr"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return metricsServer.Run(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return s.RunScaleDownLoop(gctx) })

	switch {
	case loader != nil:
		syncer := sync.New(reg, loader.ServiceAvailability, c.Duration("sync-interval"), metrics.Registry)
		consumer := wake.New(loader.WakeEvents, reg, s, 0)
		g.Go(func() error { return syncer.Run(gctx) })
		g.Go(func() error { return consumer.Run(gctx) })
	case dryRunTable != nil:
		// No kernel classifier in --dry-run, so no wake events either;
		// Registry Sync still runs against an in-memory table so the
		// rest of the control plane (watcher, scaler) can be exercised.
		syncer := sync.New(reg, dryRunTable, c.Duration("sync-interval"), metrics.Registry)
		g.Go(func() error { return syncer.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logrus.Info("shutting down")
	// Brief pause before returning; the deferred detach and loader Close
	// calls above run after it, when run returns.
	time.Sleep(50 * time.Millisecond)
	return nil
}
