package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/activity"
	"github.com/dmdmdm-nz/reachd/internal/api"
	"github.com/dmdmdm-nz/reachd/internal/monitor"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
	"github.com/dmdmdm-nz/reachd/internal/provider"
	"github.com/dmdmdm-nz/reachd/internal/reach"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
	"github.com/dmdmdm-nz/reachd/pkg/cli"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()
	os.Exit(run(cfg))
}

// run returns the exit code so deferred cleanup runs before main exits.
func run(cfg *cli.Config) int {
	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cfg.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, cfg.Duration)
		defer stop()
	}

	counter := activity.NewCounter()
	defer counter.Close()

	sys := provider.NewSystem(provider.WithPollInterval(cfg.PollInterval))
	defer sys.Close()

	// One notification queue for all monitors keeps printed transitions in
	// delivery order.
	queue := runtime.NewQueue("reachd-notify")
	defer queue.Close()

	monitors := newMonitors(cfg.Hosts, sys, queue)
	if len(monitors) == 0 {
		log.Error("No host could be monitored")
		return 1
	}

	if cfg.Wait {
		return runWait(ctx, cfg, monitors, counter)
	}

	watchers := make([]netmon.Watcher, len(monitors))
	for i, m := range monitors {
		watchers[i] = m
	}
	netmonSvc := netmon.NewService(watchers, cfg.RetryInterval)

	// Subscribe BEFORE starting producers to avoid missing anything.
	evCh, evUnsub := netmonSvc.Subscribe()

	super := runtime.NewSupervisor()
	super.Add("netmon", netmonSvc.Start, netmonSvc.Close)
	super.Add("printer", func(ctx context.Context) error {
		return printTransitions(ctx, evCh)
	}, func() error {
		evUnsub()
		return nil
	})
	if cfg.Port != 0 {
		apiSvc := api.NewService(cfg.Host, cfg.Port, netmonSvc, counter)
		super.Add("api", apiSvc.Start, apiSvc.Close)
	}

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		return 1
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		return 1
	}

	fmt.Println("OK")
	return 0
}

func newMonitors(hosts []string, p provider.Provider, queue *runtime.Queue) []*monitor.Monitor {
	var monitors []*monitor.Monitor
	for _, host := range hosts {
		m, err := monitor.New(host, monitor.WithProvider(p), monitor.WithQueue(queue))
		if err != nil {
			log.WithField("host", host).WithError(err).Error("Failed to create reachability monitor")
			continue
		}
		monitors = append(monitors, m)
	}
	return monitors
}

// printTransitions prints every live status change until ctx is done.
func printTransitions(ctx context.Context, events <-chan netmon.StatusEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Snapshot {
				continue
			}
			fmt.Printf("host status: (%s, %s)\n", ev.Host, ev.Status)
		}
	}
}

// runWait blocks until every host is usable and returns the exit code.
func runWait(ctx context.Context, cfg *cli.Config, monitors []*monitor.Monitor, counter *activity.Counter) int {
	defer func() {
		for _, m := range monitors {
			_ = m.Close()
		}
	}()

	done := counter.Track()
	statuses, err := monitor.WaitAll(ctx, monitors, func(s reach.Status) bool {
		return s.Usable(cfg.AllowCellular)
	})
	done()
	if err != nil {
		log.WithError(err).Error("Hosts did not become reachable")
		return 1
	}

	hosts := make([]string, 0, len(statuses))
	for host := range statuses {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		fmt.Printf("host status: (%s, %s)\n", host, statuses[host])
	}
	return 0
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
