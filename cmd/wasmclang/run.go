package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wasmclang/wasmclang/toolchain"
)

// languageFor resolves --lang, falling back to the file extension.
func languageFor(flag, path string) (toolchain.Language, error) {
	if flag != "" {
		return toolchain.ParseLanguage(flag)
	}
	if lang, ok := toolchain.LanguageFromFilename(path); ok {
		return lang, nil
	}
	return "", fmt.Errorf("cannot infer the language of %s; use --lang", path)
}

func readStdin(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func runCommand(g *globalFlags) *cobra.Command {
	var lang, stdin string

	command := &cobra.Command{
		Use:   "run [flags] SOURCE",
		Short: "Compile, link and run a C or C++ source file",
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

			o, logger, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx := cmd.Context()
			defer o.Close(ctx)

			if stdin != "" {
				text, err := readStdin(cmd, stdin)
				if err != nil {
					return err
				}
				o.SetStdin(text)
			}

			p, err := o.CompileLinkRun(ctx, source, language)
			if p != nil {
				_ = p.Close(ctx)
			}
			return err
		},
	}

	command.Flags().StringVar(&lang, "lang", "", "source language: c or c++ (default: from the file extension)")
	command.Flags().StringVar(&stdin, "stdin", "", "file served to the program as standard input ('-' for this process's stdin)")

	return command
}
