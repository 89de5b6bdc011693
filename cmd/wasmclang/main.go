package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wasmclang/wasmclang/assets"
	"github.com/wasmclang/wasmclang/toolchain"
)

var version = "<unknown>"

// globalFlags are shared by every subcommand that drives the toolchain.
type globalFlags struct {
	config  string
	assets  string
	timing  bool
	timeout time.Duration
	verbose bool
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// loadConfig reads the config file and environment, then applies the flags
// that were set explicitly.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*toolchain.Config, error) {
	cfg, err := toolchain.LoadConfig(g.config)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("assets") {
		cfg.Assets = g.assets
	}
	if flags.Changed("timing") {
		cfg.ShowTiming = g.timing
	}
	if flags.Changed("timeout") {
		cfg.RunTimeout = g.timeout
	}
	return cfg, cfg.Validate()
}

// orchestrator builds an Orchestrator writing guest output to stdout.
func (g *globalFlags) orchestrator(cmd *cobra.Command) (*toolchain.Orchestrator, *zap.Logger, error) {
	logger, err := g.logger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	var loader assets.Loader = assets.Open(cfg.Assets, os.DirFS, logger.Named("assets"))
	loader = assets.Decompressing(loader)
	loader = assets.Verifying(loader, cfg.DigestMap())
	loader = assets.Logging(loader, logger.Named("assets"))

	stdout := cmd.OutOrStdout()
	o, err := toolchain.New(cfg, loader, func(s string) { fmt.Fprint(stdout, s) }, logger)
	if err != nil {
		return nil, nil, err
	}
	return o, logger, nil
}

func configureCLI() *cobra.Command {
	g := &globalFlags{}

	rootCommand := &cobra.Command{
		Use:           "wasmclang",
		Short:         "clang in WebAssembly",
		Long:          "wasmclang - compile, link and run C and C++ with clang and lld compiled to WebAssembly",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCommand.AddCommand(runCommand(g))
	rootCommand.AddCommand(compileCommand(g))
	rootCommand.AddCommand(watchCommand(g))
	rootCommand.AddCommand(tarCommand())

	flags := rootCommand.PersistentFlags()
	flags.StringVar(&g.config, "config", "", "YAML configuration file")
	flags.StringVar(&g.assets, "assets", "", "directory or URL holding clang.wasm, lld.wasm, memfs.wasm and the sysroot")
	flags.BoolVar(&g.timing, "timing", false, "print how long each step takes")
	flags.DurationVar(&g.timeout, "timeout", 0, "limit the run time of the compiled program (0 disables)")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	return rootCommand
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := configureCLI().ExecuteContext(ctx); err != nil {
		if errors.Is(err, toolchain.ErrStageFailed) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
