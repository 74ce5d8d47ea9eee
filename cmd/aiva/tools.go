package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/hub"
	"github.com/xiaot623/aiva/internal/repository"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools [name]",
		Short: "List the built-in tools and the capabilities they need",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store := repository.NewMemoryStore(0)
			defer func() { _ = store.Close() }()
			reg, err := newToolRegistry(cfg.Tools, hub.New(nil), store)
			if err != nil {
				return err
			}

			descs := reg.Descriptors()
			if len(args) == 1 {
				desc, _, ok := reg.Lookup(args[0])
				if !ok {
					return fmt.Errorf("tool %q not found", args[0])
				}
				descs = []domain.ToolDescriptor{desc}
				asJSON = true
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), descs)
			}
			return writeTable(cmd.OutOrStdout(), descs)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func writeJSON(w io.Writer, descs []domain.ToolDescriptor) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(descs) == 1 {
		return enc.Encode(descs[0])
	}
	return enc.Encode(descs)
}

func writeTable(w io.Writer, descs []domain.ToolDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCAPABILITIES\tDESCRIPTION")
	for _, d := range descs {
		caps := strings.Join(d.Capabilities, ",")
		if caps == "" {
			caps = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, caps, d.Description)
	}
	return tw.Flush()
}
