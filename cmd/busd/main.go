// Command busd runs a standalone message broker exposing a read-only
// introspection endpoint. It wires internal/config, pkg/broker, and
// internal/introspect together the way cmd/canopen wires BusManager,
// the object dictionary, and the node processor.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/busd/internal/config"
	"github.com/samsamfire/busd/internal/introspect"
	"github.com/samsamfire/busd/pkg/broker"
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "", "bus config ini file path (optional)")
	introspectAddr := flag.String("http", "127.0.0.1:8080", "introspection listen address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Printf("failed to load config %v : %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	b := broker.New(cfg, nil)

	introServer := introspect.NewServer(b)
	go func() {
		if err := introServer.ListenAndServe(*introspectAddr); err != nil {
			log.Errorf("introspection server stopped: %v", err)
		}
	}()

	log.Infof("bus %q running, introspection on %s", cfg.BusName, *introspectAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	b.Shutdown()
}
