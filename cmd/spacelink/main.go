// Package main implements spacelink, the manual file-transfer client CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spacelink/spacelink/internal/config"
	"github.com/spacelink/spacelink/pkg/filelink"
	"github.com/spacelink/spacelink/pkg/session"
	"github.com/spacelink/spacelink/pkg/store"
	"github.com/spacelink/spacelink/pkg/transport"

	_ "github.com/spacelink/spacelink/pkg/transport/quicdgram"
	_ "github.com/spacelink/spacelink/pkg/transport/udpsock"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("spacelink %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	case "upload":
		err = uploadCommand(os.Args[2:])
	case "download":
		err = downloadCommand(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`spacelink - spacelink file-transfer client

Usage:
  spacelink <command> [options]

Commands:
  upload <server> <file>                 Upload a local file to a server
  download <server> <remote> <local>     Download a remote file from a server
  version                                Show version information
  help                                   Show this help message

Examples:
  spacelink upload 10.0.0.5:27500 ./payload.bin
  spacelink download 10.0.0.5:27500 /remote/payload.bin ./payload.bin

`)
}

func uploadCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: spacelink upload <server> <file>")
	}
	serverAddr, localPath := args[0], args[1]

	cfg := config.DefaultConfig()
	client, st, err := dialClient(serverAddr, cfg)
	if err != nil {
		return err
	}

	hash, numChunks, mode, err := filelink.Import(st, localPath, cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("import %s: %w", localPath, err)
	}
	fmt.Printf("staged %s as %s (%d chunks)\n", localPath, hash, numChunks)

	if err := client.SendSync(hash, numChunks); err != nil {
		return fmt.Errorf("sync %s: %w", hash, err)
	}

	remotePath := "/" + hash
	if err := client.SendExport(hash, remotePath, mode); err != nil {
		return fmt.Errorf("export %s: %w", hash, err)
	}

	fmt.Printf("upload complete: %s -> %s@%s\n", localPath, remotePath, serverAddr)
	return nil
}

func downloadCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: spacelink download <server> <remote> <local>")
	}
	serverAddr, remotePath, localPath := args[0], args[1], args[2]

	cfg := config.DefaultConfig()
	client, st, err := dialClient(serverAddr, cfg)
	if err != nil {
		return err
	}

	hash, numChunks, _, err := client.SendImport(remotePath)
	if err != nil {
		return fmt.Errorf("send_import %s: %w", remotePath, err)
	}
	fmt.Printf("remote staged %s as %s (%d chunks)\n", remotePath, hash, numChunks)

	if err := client.SyncAndSend(hash, numChunks); err != nil {
		return fmt.Errorf("sync_and_send %s: %w", hash, err)
	}

	if err := filelink.Export(st, hash, numChunks, localPath, 0o644); err != nil {
		return fmt.Errorf("export %s: %w", hash, err)
	}

	fmt.Printf("download complete: %s@%s -> %s\n", remotePath, serverAddr, localPath)
	return nil
}

func dialClient(serverAddr string, cfg *config.Config) (*filelink.Client, *store.Store, error) {
	binder, ok := transport.DefaultRegistry.Get("udp")
	if !ok {
		return nil, nil, fmt.Errorf("udp transport not registered")
	}

	sock, err := binder("0.0.0.0:0")
	if err != nil {
		return nil, nil, fmt.Errorf("bind client socket: %w", err)
	}

	peer, err := sock.ResolveAddr(serverAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve server address %s: %w", serverAddr, err)
	}

	st := store.New(cfg.StoragePrefix)
	sessCfg := session.Config{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}
	return filelink.New(sock, peer, st, sessCfg), st, nil
}
