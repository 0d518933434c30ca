package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"nerveproxy/pkg/address"
	"nerveproxy/pkg/config"
	"nerveproxy/pkg/listener"
	"nerveproxy/pkg/outbound"
)

func main() {
	configPath := flag.String("config", "server.toml", "Path to server configuration file")
	flag.Parse()

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	resolved, err := doc.Validate()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// The shared selector starts direct; a collaborator holding the
	// swapper can rotate it to any node without touching the listeners.
	reloadable := outbound.NewReloadable(outbound.NewSelector(
		outbound.ChainGroup{{outbound.ChainHop{Single: &outbound.Hop{Direct: true}}}},
	))

	servers, err := config.BuildServers(resolved, reloadable, address.NewSystemResolver())
	if err != nil {
		log.Fatalf("Failed to build servers: %v", err)
	}
	for _, s := range servers {
		log.Printf("Starting listener on %+v", s.Bind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Println("Shutting down...")
		cancel()
	}()

	listener.NewGroup(servers...).Run(ctx)
}
