// Package main provides klingon-lpd, the liquidity provider daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/htlc"
	"github.com/klingon-exchange/klingon-lp/internal/keys"
	"github.com/klingon-exchange/klingon-lp/internal/node"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// PasswordEnv names the variable holding the seed file password.
const PasswordEnv = "KLINGON_LP_PASSWORD"

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingon-lpd [command] [flags]

Commands:
  run    run the node (default)
  seed   create the mnemonic file
  htlc   print the HTLC address for a payment hash

Run "klingon-lpd <command> -h" for the flags of a command.
`)
}

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runNode(args)
	case "seed":
		err = runSeed(args)
	case "htlc":
		err = runHTLC(args)
	case "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logging.Fatal("Command failed", "command", cmd, "error", err)
	}
}

// loadConfig reads <data-dir>/config.yaml, creating it on first run.
func loadConfig(dataDir string) (*config.Config, error) {
	dataDir = config.ExpandPath(dataDir)
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, err
	}
	cfg.Storage.DataDir = dataDir
	return cfg, nil
}

func setupLogging(cfg *config.Config) (io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.Logging.File != "" {
		path := config.ResolvePath(cfg.Storage.DataDir, cfg.Logging.File)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
		Output:     out,
	}))
	return closer, nil
}

func runNode(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		dataDir     = fs.String("data-dir", "~/.klingon-lp", "Data directory")
		network     = fs.String("network", "", "Network (mainnet, testnet, regtest), overrides config")
		listenAddr  = fs.String("listen", "", "REST listen address, overrides config")
		logLevel    = fs.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = fs.Bool("version", false, "Show version and exit")
	)
	fs.Parse(args)

	if *showVersion {
		fmt.Printf("klingon-lpd %s (commit: %s)\n", version, commit)
		return nil
	}

	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}

	if *network != "" {
		cfg.Network = config.NetworkType(*network)
	}
	if *listenAddr != "" {
		cfg.REST.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logging.GetDefault()
	log.Info("Config loaded", "path", config.ConfigPath(cfg.Storage.DataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := node.Dial(ctx, cfg, os.Getenv(PasswordEnv))
	if err != nil {
		return err
	}
	n, err := node.New(cfg, backends)
	if err != nil {
		backends.Close()
		return err
	}
	if err := n.Start(ctx); err != nil {
		backends.Close()
		return err
	}

	printBanner(log, cfg, n)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
	log.Info("Goodbye!")
	return nil
}

func printBanner(log *logging.Logger, cfg *config.Config, n *node.Node) {
	log.Info("=================================================")
	log.Infof("  Klingon LP Node (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	for _, h := range n.Handlers() {
		log.Infof("  Service: %s", h.Direction())
	}
	log.Infof("  API: http://%s", n.Addr())
	log.Infof("  WS:  ws://%s/ws", n.Addr())
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("=================================================")
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	var (
		dataDir = fs.String("data-dir", "~/.klingon-lp", "Data directory")
		force   = fs.Bool("force", false, "Overwrite an existing mnemonic file")
		show    = fs.Bool("show", false, "Print the generated mnemonic")
	)
	fs.Parse(args)

	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	path := config.ResolvePath(cfg.Storage.DataDir, cfg.Chain.MnemonicFile)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to replace it", path)
	}

	mnemonic, err := keys.GenerateMnemonic()
	if err != nil {
		return err
	}
	password := os.Getenv(PasswordEnv)
	if err := keys.WriteSeedFile(path, mnemonic, password); err != nil {
		return err
	}

	params, err := cfg.Network.Params()
	if err != nil {
		return err
	}
	keyring, err := keys.FromMnemonic(mnemonic, "", params)
	if err != nil {
		return err
	}
	addr, err := keyring.EVMAddress(cfg.Chain.AccountIndex)
	if err != nil {
		return err
	}

	fmt.Printf("Mnemonic written to %s (encrypted: %v)\n", path, password != "")
	fmt.Printf("Contract account: %s\n", addr.Hex())
	if *show {
		fmt.Println(mnemonic)
	}
	return nil
}

func runHTLC(args []string) error {
	fs := flag.NewFlagSet("htlc", flag.ExitOnError)
	var (
		dataDir      = fs.String("data-dir", "~/.klingon-lp", "Data directory")
		paymentHash  = fs.String("payment-hash", "", "Payment hash (hex)")
		counterparty = fs.String("counterparty", "", "Counterparty compressed public key (hex)")
		csvDelta     = fs.Int64("csv", 144, "Refund delay in blocks")
		keyIndex     = fs.Uint("key-index", 0, "Our HTLC key index")
	)
	fs.Parse(args)

	hash, err := helpers.DecodeHash32(*paymentHash)
	if err != nil {
		return fmt.Errorf("invalid payment hash: %w", err)
	}
	cpBytes, err := helpers.HexToBytes(*counterparty)
	if err != nil {
		return fmt.Errorf("invalid counterparty key: %w", err)
	}
	cpKey, err := btcec.ParsePubKey(cpBytes)
	if err != nil {
		return fmt.Errorf("invalid counterparty key: %w", err)
	}

	cfg, err := loadConfig(*dataDir)
	if err != nil {
		return err
	}
	params, err := cfg.Network.Params()
	if err != nil {
		return err
	}
	mnemonic, err := keys.ReadSeedFile(config.ResolvePath(cfg.Storage.DataDir, cfg.Chain.MnemonicFile), os.Getenv(PasswordEnv))
	if err != nil {
		return err
	}
	keyring, err := keys.FromMnemonic(mnemonic, "", params)
	if err != nil {
		return err
	}
	ourKey, err := keyring.HTLCSigner(cfg.Chain.AccountIndex).PubKey(uint32(*keyIndex))
	if err != nil {
		return err
	}

	script, err := htlc.BuildScript(*csvDelta, hash[:], ourKey, cpKey, params)
	if err != nil {
		return err
	}
	fmt.Printf("address: %s\n", script.Address)
	fmt.Printf("script:  %s\n", script.Hex())
	fmt.Printf("our key: %x\n", script.OurKey)
	return nil
}
