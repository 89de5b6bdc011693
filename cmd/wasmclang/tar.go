package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wasmclang/wasmclang/archive"
	"github.com/wasmclang/wasmclang/assets"
)

func tarCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "tar",
		Short: "Inspect sysroot archives",
	}
	command.AddCommand(tarListCommand())
	return command
}

func tarListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list ARCHIVE",
		Short: "List the entries of a (possibly compressed) tar archive as the extractor sees them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, name := filepath.Split(args[0])
			if dir == "" {
				dir = "."
			}
			loader := assets.Decompressing(assets.DirLoader{FS: os.DirFS(dir)})
			buf, err := loader.ReadBuffer(cmd.Context(), name)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			r := archive.NewReader(buf)
			for {
				e, err := r.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				switch {
				case e.IsDir():
					fmt.Fprintf(w, "d\t-\t%s/\n", e.Name)
				case e.IsRegular():
					fmt.Fprintf(w, "f\t%s\t%s\n", humanize.IBytes(uint64(e.Size)), e.Name)
				case e.IsLink():
					fmt.Fprintf(w, "l\t-\t%s -> %s\n", e.Name, e.Linkname)
				default:
					fmt.Fprintf(w, "?\t%s\t%s (type %q)\n", humanize.IBytes(uint64(e.Size)), e.Name, e.Type)
				}
			}
			return w.Flush()
		},
	}
}
