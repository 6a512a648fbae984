// Package main implements spacelinkd, the spacelink server daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spacelink/spacelink/internal/config"
	"github.com/spacelink/spacelink/internal/logging"
	"github.com/spacelink/spacelink/pkg/dispatch"
	"github.com/spacelink/spacelink/pkg/store"
	"github.com/spacelink/spacelink/pkg/transport"

	_ "github.com/spacelink/spacelink/pkg/transport/quicdgram"
	_ "github.com/spacelink/spacelink/pkg/transport/udpsock"
)

var (
	version    = "dev"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("spacelinkd %s (%s)\n", version, commitHash)
	case "help", "--help", "-h":
		printUsage()
	case "serve":
		if err := serveCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`spacelinkd - spacelink file-transfer server daemon

Usage:
  spacelinkd <command> [options]

Commands:
  serve     Bind a socket and run the session dispatcher
  version   Show version information
  help      Show this help message

Examples:
  spacelinkd serve --config /etc/spacelink/server.json
  spacelinkd serve --addr 0.0.0.0:27500 --transport udp
  spacelinkd serve --addr 0.0.0.0:27500 --transport quic-datagram

`)
}

func serveCommand(args []string) error {
	cfgPath := ""
	transportName := "udp"
	addrOverride := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				return fmt.Errorf("--addr requires a value")
			}
			addrOverride = args[i]
		case "--config":
			i++
			if i >= len(args) {
				return fmt.Errorf("--config requires a value")
			}
			cfgPath = args[i]
		case "--transport":
			i++
			if i >= len(args) {
				return fmt.Errorf("--transport requires a value")
			}
			transportName = args[i]
		default:
			return fmt.Errorf("unknown option: %s", args[i])
		}
	}

	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	bindAddr := cfg.Addr()
	if addrOverride != "" {
		bindAddr = addrOverride
	}

	log := logging.Default("spacelinkd")

	binder, ok := transport.DefaultRegistry.Get(transportName)
	if !ok {
		return fmt.Errorf("unknown transport %q (known: %v)", transportName, transport.DefaultRegistry.List())
	}

	sock, err := binder(bindAddr)
	if err != nil {
		return fmt.Errorf("bind %s socket at %s: %w", transportName, bindAddr, err)
	}
	defer sock.Close()

	st := store.New(cfg.StoragePrefix)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.SessionTimeout = cfg.Timeout
	dispatchCfg.MaxRetries = cfg.MaxRetries
	dispatchCfg.ChunkSize = cfg.ChunkSize

	d := dispatch.New(sock, st, dispatchCfg)

	log.Infof("listening on %s (%s), storage prefix %q", bindAddr, transportName, cfg.StoragePrefix)
	return d.Serve()
}
