// Command monitor runs the monitor node runtime (spec.md §4.7): the CAN
// transport, diagnosis engine, alert sink, persistent logger, mesh routing
// layer and OTA orchestrator, supervised as one process. Flag wiring
// follows samsamfire-gocanopen/cmd/canopen/main.go's `-i`/`-n`/`-p` style,
// adapted to this runtime's own knobs.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	_ "github.com/ecunet/monitor/pkg/can/socketcan"
	_ "github.com/ecunet/monitor/pkg/can/virtual"
	"github.com/ecunet/monitor/pkg/supervisor"
)

func main() {
	canInterface := flag.String("i", "virtual", "CAN interface driver: virtual or socketcan")
	canChannel := flag.String("c", "can0", "CAN channel/interface name (e.g. can0, or a virtual network name)")
	configPath := flag.String("config", "config.ini", "path to the monitor's config.ini")
	dbPath := flag.String("db", "monitor.db", "path to the local SQLite-backed SD/NVS store")
	watchConfig := flag.Bool("watch-config", true, "supplement the periodic config reload with an fsnotify watch")
	diagAddr := flag.String("diag-addr", "", "address to serve the routing diagnostics HTTP+WS surface on, empty to disable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	sup := supervisor.New(supervisor.Options{
		ConfigPath:          *configPath,
		CANInterface:        *canInterface,
		CANChannel:          *canChannel,
		SQLitePath:          *dbPath,
		WatchConfig:         *watchConfig,
		DiagnosticsHTTPAddr: *diagAddr,
	})

	if err := sup.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: init failed: %v\n", err)
		os.Exit(1)
	}

	if *diagAddr != "" {
		if srv := sup.DiagnosticsServer(); srv != nil {
			httpServer := &http.Server{Addr: *diagAddr, Handler: srv.Router()}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.WithError(err).Warn("diagnostics http server stopped")
				}
			}()
			defer httpServer.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutdown signal received")
		sup.Shutdown()
	}()

	sup.Run()
}
