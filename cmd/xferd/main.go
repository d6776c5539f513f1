// Package main runs the xferd resumable file transfer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd"
	"github.com/opd-ai/xferd/config"
)

// CLI configuration
type CLIConfig struct {
	configFile   string
	host         string
	port         int
	storageDir   string
	logLevel     string
	logFormat    string
	resumeKey    string
	clearOnClose bool
	help         bool

	// set holds the names of flags given on the command line.
	set map[string]bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	cli := &CLIConfig{set: make(map[string]bool)}

	flag.StringVar(&cli.configFile, "config", "", "Path to a TOML configuration file")

	// Network configuration
	flag.StringVar(&cli.host, "host", "0.0.0.0", "Listen address")
	flag.IntVar(&cli.port, "port", 3000, "Listen port")

	// Storage configuration
	flag.StringVar(&cli.storageDir, "storage", "./storage", "Directory holding transferred files")
	flag.StringVar(&cli.resumeKey, "resume-key", "ip", "Resume record key (ip, addr)")
	flag.BoolVar(&cli.clearOnClose, "clear-on-close", false, "Forget resume records of clients that send CLOSE")

	// Logging configuration
	flag.StringVar(&cli.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cli.logFormat, "log-format", "text", "Log format (text, json)")

	// Help
	flag.BoolVar(&cli.help, "help", false, "Show help message")

	flag.Parse()
	flag.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })
	return cli
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("xferd - resumable file transfer server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Settings are taken from the defaults, the -config file, XFERD_*")
	fmt.Println("environment variables and command-line flags, later sources winning.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s -port 4000 -storage /srv/xferd\n", os.Args[0])
	fmt.Printf("  %s -config /etc/xferd.toml -log-format json\n", os.Args[0])
}

// buildConfig layers the flags that were set over the loaded configuration.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.configFile)
	if err != nil {
		return nil, err
	}

	if cli.set["host"] {
		cfg.Server.Host = cli.host
	}
	if cli.set["port"] {
		cfg.Server.Port = cli.port
	}
	if cli.set["storage"] {
		cfg.Storage.Dir = cli.storageDir
	}
	if cli.set["resume-key"] {
		cfg.Resume.Key = cli.resumeKey
	}
	if cli.set["clear-on-close"] {
		cfg.Resume.ClearOnClose = cli.clearOnClose
	}
	if cli.set["log-level"] {
		cfg.Log.Level = cli.logLevel
	}
	if cli.set["log-format"] {
		cfg.Log.Format = cli.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cli := parseCLIFlags()
	if cli.help {
		printUsage()
		os.Exit(0)
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	logger := logrus.New()
	if err := config.ConfigureLogging(logger, cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Logging setup failed: %v\n", err)
		os.Exit(1)
	}

	srv, err := xferd.NewServer(cfg, xferd.WithLogger(logger))
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.WithField("error", err.Error()).Error("Server stopped with error")
		stop()
		os.Exit(1)
	}
	if err := srv.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("Shutdown finished with errors")
	}
	logger.Info("Server stopped")
}
