// Package main is a command-line client for xferd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/client"
	"github.com/opd-ai/xferd/file"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	errColor  = color.New(color.FgRed, color.Bold)
	infoColor = color.New(color.FgCyan)
)

// CLI configuration
type CLIConfig struct {
	addr     string
	timeout  time.Duration
	chunk    int
	quiet    bool
	verbose  bool
	noColor  bool
	help     bool
	commands []string
}

func parseCLIFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.addr, "addr", "127.0.0.1:3000", "Server address")
	flag.DurationVar(&cli.timeout, "timeout", 0, "Abort after this long (0 disables)")
	flag.IntVar(&cli.chunk, "chunk", 64*1024, "Upload write size in bytes")
	flag.BoolVar(&cli.quiet, "quiet", false, "Suppress progress output")
	flag.BoolVar(&cli.verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&cli.noColor, "no-color", false, "Disable colored output")
	flag.BoolVar(&cli.help, "help", false, "Show help message")

	flag.Parse()
	cli.commands = flag.Args()
	return cli
}

func printUsage() {
	fmt.Println("xferctl - client for the xferd file transfer server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command> [args]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  upload <local> [remote]     send a file, resuming a partial upload")
	fmt.Println("  download <remote> [local]   fetch a file, resuming from the local copy")
	fmt.Println("  hash <remote>               print the server's BLAKE2b-256 digest")
	fmt.Println("  echo <text>                 round-trip text through the server")
	fmt.Println("  time                        print the server clock")
	fmt.Println("  raw <line>                  send a command line and print the reply")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func main() {
	cli := parseCLIFlags()
	if cli.help || len(cli.commands) == 0 {
		printUsage()
		if cli.help {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if cli.noColor {
		color.NoColor = true
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cli.verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cli.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.timeout)
		defer cancel()
	}

	if err := run(ctx, cli, logger); err != nil {
		var serr *client.ServerError
		if errors.As(err, &serr) {
			errColor.Fprintf(os.Stderr, "server: %s\n", serr.Message)
		} else {
			errColor.Fprintf(os.Stderr, "error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cli *CLIConfig, logger logrus.FieldLogger) error {
	opts := client.Options{
		DialTimeout: 10 * time.Second,
		ChunkSize:   cli.chunk,
		Logger:      logger,
	}
	if !cli.quiet {
		opts.Progress = progressPrinter()
	}

	c, err := client.Dial(ctx, cli.addr, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	verb, args := strings.ToLower(cli.commands[0]), cli.commands[1:]
	switch verb {
	case "upload":
		if len(args) < 1 {
			return fmt.Errorf("usage: upload <local> [remote]")
		}
		remote := filepath.Base(args[0])
		if len(args) > 1 {
			remote = args[1]
		}
		res, err := c.Upload(ctx, args[0], remote)
		if err != nil {
			return err
		}
		report("uploaded", res)
		okColor.Println(res.Reply)

	case "download":
		if len(args) < 1 {
			return fmt.Errorf("usage: download <remote> [local]")
		}
		local := filepath.Base(args[0])
		if len(args) > 1 {
			local = args[1]
		}
		res, err := c.Download(ctx, args[0], local)
		if err != nil {
			return err
		}
		report("downloaded", res)

	case "hash":
		if len(args) < 1 {
			return fmt.Errorf("usage: hash <remote>")
		}
		sum, err := c.Hash(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", sum, args[0])

	case "echo":
		reply, err := c.Echo(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)

	case "time":
		now, err := c.Time(ctx)
		if err != nil {
			return err
		}
		fmt.Println(now.Format(time.RFC3339Nano))

	case "raw":
		reply, err := c.Command(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)

	default:
		return fmt.Errorf("unknown command %q (see -help)", verb)
	}
	return nil
}

func report(what string, res *client.Result) {
	if res.Offset > 0 {
		infoColor.Fprintf(os.Stderr, "resumed at %s\n", file.FormatFileSize(res.Offset))
	}
	okColor.Fprintf(os.Stderr, "%s %s: %s of %s in %s (%s)\n",
		what, res.Name,
		file.FormatFileSize(res.Transferred), file.FormatFileSize(res.Size),
		res.Elapsed.Round(time.Millisecond), res.Speed())
}

// progressPrinter redraws a single status line at most ten times a second.
func progressPrinter() func(done, total int64) {
	var last time.Time
	return func(done, total int64) {
		if done < total && time.Since(last) < 100*time.Millisecond {
			return
		}
		last = time.Now()
		pct := 100.0
		if total > 0 {
			pct = float64(done) * 100 / float64(total)
		}
		infoColor.Fprintf(os.Stderr, "\r%s / %s (%.1f%%)", file.FormatFileSize(done), file.FormatFileSize(total), pct)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}
