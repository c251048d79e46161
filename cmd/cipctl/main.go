// cipctl - CIP explicit messaging client
//
// Reads tags from an EtherNet/IP target with multiple-service batches and
// republishes the readings via MQTT, Valkey and Kafka.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"cipmsg/config"
	"cipmsg/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logDebug    = flag.String("debug", "", "Enable debug logging for protocols (comma-separated, or \"all\")")
	jsonOut     = flag.Bool("json", false, "Print readings as JSON lines")
	listenFor   = flag.Duration("wait", time.Second, "How long discover listens for replies")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: cipctl [flags] <command> [args]

Commands:
  identity [address]    ListIdentity over TCP (address defaults to target.address)
  discover [broadcast]  ListIdentity over UDP broadcast (default 255.255.255.255)
  read                  Read the configured tags once in one batch
  poll                  Read the configured tags at poll_rate until interrupted

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("cipctl %s\n", Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	command, args := args[0], args[1:]

	// discover and identity with an explicit address run without a config file
	cfg, err := config.Load(*configPath)
	if err != nil {
		standalone := command == "discover" || (command == "identity" && len(args) > 0)
		if !standalone || !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if cfg.LogFile != "" {
		fileLogger, err = logging.NewFileLogger(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			defer fileLogger.Close()
		}
	}

	// Set up debug logging: -debug wins over the config file
	filter, debugOn := cfg.Debug.Filter, cfg.Debug.Path != ""
	if *logDebug != "" {
		filter, debugOn = *logDebug, true
	}
	if debugOn {
		path := cfg.Debug.Path
		if path == "" {
			path = "debug.log"
		}
		debugLogger, err := logging.NewDebugLogger(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create debug log: %v\n", err)
		} else {
			if strings.EqualFold(filter, "all") {
				filter = ""
			}
			if unknown := debugLogger.SetFilter(filter); len(unknown) > 0 {
				fmt.Fprintf(os.Stderr, "Warning: unknown debug protocols %s (known: %s)\n",
					strings.Join(unknown, ", "), strings.Join(logging.KnownProtocols(), ", "))
			}
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
		}
	}

	var runErr error
	switch command {
	case "identity":
		runErr = runIdentity(cfg, args)
	case "discover":
		runErr = runDiscover(args, *listenFor)
	case "read":
		runErr = runRead(cfg, fileLogger)
	case "poll":
		runErr = runPoll(cfg, fileLogger)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fileLogger.Log("%s: %v", command, runErr)
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		// Deferred closes do not run on os.Exit.
		logging.GetGlobalDebugLogger().Close()
		fileLogger.Close()
		os.Exit(1)
	}
}
