package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wasmclang/wasmclang/toolchain"
)

func compileCommand(g *globalFlags) *cobra.Command {
	var lang, output, opt string

	command := &cobra.Command{
		Use:   "compile [flags] SOURCE",
		Short: "Compile a C or C++ source file to a wasm32-wasi object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			language, err := languageFor(lang, args[0])
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".o"
			}

			o, logger, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx := cmd.Context()
			defer o.Close(ctx)

			obj := filepath.Base(output)
			err = o.Compile(ctx, source, toolchain.CompileOptions{
				Input:    filepath.Base(args[0]),
				Obj:      obj,
				Opt:      opt,
				Language: language,
			})
			if err != nil {
				return err
			}
			contents, err := o.ReadFile(ctx, obj)
			if err != nil {
				return err
			}
			return os.WriteFile(output, contents, 0o644)
		},
	}

	command.Flags().StringVar(&lang, "lang", "", "source language: c or c++ (default: from the file extension)")
	command.Flags().StringVarP(&output, "output", "o", "", "object file to write (default: SOURCE with a .o extension)")
	command.Flags().StringVarP(&opt, "opt", "O", "", "optimization level: 0, 1, 2, 3, s or z (default: from the configuration)")

	return command
}
