package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/lucheng0127/portrelay/internal/pkg/config"
	logger "github.com/lucheng0127/portrelay/internal/pkg/log"
	"github.com/lucheng0127/portrelay/internal/pkg/utils"
	"github.com/lucheng0127/portrelay/internal/pkg/version"
	"github.com/lucheng0127/portrelay/pkg/registry"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Parse command line arguments
	var opts struct {
		ConfigFile  string `short:"f" long:"config-file" description:"config file" default:"/etc/portrelay/config.yaml"`
		ConfigType  string `short:"t" long:"config-type" description:"config file type(toml, yaml, json)" default:"yaml"`
		LogLevel    string `short:"l" long:"log-level" description:"log level(debug, info, warn, error), overrides config file"`
		PrintConfig bool   `long:"print-config" description:"print effective config and exit"`
		Version     bool   `long:"version" description:"show version info"`
	}
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println("Portrelay version ", version.Version())
		os.Exit(0)
	}

	ctx := utils.NewTraceContext()
	// Parse config file
	conf, err := config.ReadConfigFile(opts.ConfigFile, opts.ConfigType)
	if err != nil {
		logger.Error(ctx, err.Error())
		os.Exit(1)
	}

	if opts.PrintConfig {
		if err := config.Dump(os.Stdout, conf); err != nil {
			logger.Error(ctx, err.Error())
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Set log
	level := conf.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger.SetLevel(logger.ParseLevel(level))

	// Launch relays
	reg := registry.New(registry.WithContext(ctx))
	added := reg.AddRelays(conf.Endpoints())
	if added == 0 {
		logger.Warn(ctx, "No relay loaded, check config file")
	} else {
		logger.Info(ctx, fmt.Sprintf("Portrelay started with %d/%d relays", added, len(conf.Relays)))
	}

	// Exit with signal
	<-sigCh
	stopRelays(ctx, reg)
}

func stopRelays(ctx context.Context, reg *registry.Registry) {
	logger.Info(ctx, "Stopping portrelay")
	if err := reg.Close(); err != nil {
		logger.Error(ctx, err.Error())
	}
}
