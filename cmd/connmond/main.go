package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/connmon/internal/api"
	"github.com/dmdmdm-nz/connmon/internal/netmon"
	"github.com/dmdmdm-nz/connmon/internal/runtime"
	"github.com/dmdmdm-nz/connmon/pkg/cli"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()

	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Config: Host=%s", cfg.Host)
	log.Infof("Config: Port=%d", cfg.Port)
	log.Infof("Config: LogLevel=%s", cfg.LogLevel)
	log.Infof("Config: IdleTimeout=%s", cfg.IdleTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monSvc, err := netmon.NewService()
	if err != nil {
		log.WithError(err).Fatal("Failed to create the connectivity monitor")
	}
	apiSvc := api.NewService(cfg.Host, cfg.Port)
	apiSvc.AttachMonitor(monSvc)

	super := runtime.NewSupervisor()
	super.Add("netmon", monSvc.Run, monSvc.Close)
	super.Add("api", apiSvc.Start, apiSvc.Close)
	super.Add("watch", func(ctx context.Context) error {
		return watchTransitions(ctx, monSvc, cfg.IdleTimeout, cancel)
	}, nil)

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

// watchTransitions logs every connectivity change. With a nonzero idle
// timeout it also requests shutdown after that long without a change,
// baseline included.
func watchTransitions(ctx context.Context, mon *netmon.Service, idleTimeout time.Duration, shutdown context.CancelFunc) error {
	ch, unsub := mon.Subscribe()
	defer unsub()

	var idle *time.Timer
	var idleCh <-chan time.Time
	if idleTimeout > 0 {
		idle = time.NewTimer(idleTimeout)
		defer idle.Stop()
		idleCh = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idleCh:
			log.Infof("No connectivity change for %s, shutting down", idleTimeout)
			shutdown()
			return nil
		case lvl, ok := <-ch:
			if !ok {
				return nil
			}
			log.WithField("connectivity", lvl.String()).Info("Connectivity changed")
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			}
		}
	}
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
