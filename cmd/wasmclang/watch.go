package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wasmclang/wasmclang/throttle"
)

func watchCommand(g *globalFlags) *cobra.Command {
	var lang string
	var quiet time.Duration

	command := &cobra.Command{
		Use:   "watch [flags] SOURCE",
		Short: "Re-run a source file every time it is saved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			language, err := languageFor(lang, path)
			if err != nil {
				return err
			}

			o, logger, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx := cmd.Context()
			defer o.Close(context.WithoutCancel(ctx))

			run := throttle.New(quiet, func(ctx context.Context, source []byte) error {
				p, err := o.CompileLinkRun(ctx, source, language)
				if p != nil {
					_ = p.Close(ctx)
				}
				return err
			}, throttle.WithLogger(logger.Named("throttle")))

			trigger := func() {
				source, err := os.ReadFile(path)
				if err != nil {
					logger.Warn("read source", zap.String("path", path), zap.Error(err))
					return
				}
				go func() {
					if _, err := run.Trigger(ctx, source); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("run failed", zap.Error(err))
					}
				}()
			}

			// Editors often replace the file, so the directory is watched.
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(path)); err != nil {
				return err
			}

			trigger()
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Name == path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
						trigger()
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logger.Warn("watch error", zap.Error(err))
				}
			}
		},
	}

	command.Flags().StringVar(&lang, "lang", "", "source language: c or c++ (default: from the file extension)")
	command.Flags().DurationVar(&quiet, "quiet", 300*time.Millisecond, "how long the file must stay unchanged before a run")

	return command
}
