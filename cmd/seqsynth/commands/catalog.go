package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seqsynth/seqsynth/pkg/catalogs"
	"github.com/seqsynth/seqsynth/pkg/config"
	"github.com/seqsynth/seqsynth/pkg/engine"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate operation catalogs",
		Long: `Inspect the built-in catalogs and validate catalog files.

Commands taking a catalog accept either a built-in library name or the path
of a CUE file or directory.`,
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogShowCommand())
	cmd.AddCommand(newCatalogGraphCommand())
	cmd.AddCommand(newCatalogValidateCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in catalogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type summary struct {
				Library    string `json:"library"`
				Roles      int    `json:"roles"`
				Operations int    `json:"operations"`
				Branches   int    `json:"branches"`
			}
			var list []summary
			for _, name := range catalogs.Names() {
				c, err := catalogs.Load(name)
				if err != nil {
					return err
				}
				list = append(list, summary{c.Library, len(c.Roles), len(c.Operations), c.TotalBranches()})
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), list); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "LIBRARY\tROLES\tOPERATIONS\tBRANCHES")
				for _, s := range list {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Library, s.Roles, s.Operations, s.Branches)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if err := catalogs.Err(); err != nil {
				return fmt.Errorf("built-in catalogs failed to load: %w", err)
			}
			return nil
		},
	}
}

func newCatalogShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <catalog>",
		Short: "Print a catalog",
		Long: `Print a built-in catalog's CUE source, or with --json the decoded catalog
of a built-in name or CUE path.`,
		Example: `  seqsynth catalog show zlib
  seqsynth catalog show --json ./catalogs/tree.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if !jsonOutput {
				if _, err := os.Stat(ref); err != nil {
					src, err := catalogs.Source(ref)
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(src)
					return err
				}
			}

			catalog, err := resolveCatalog(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if !jsonOutput {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), catalog.String())
				return err
			}
			data, err := config.ExportJSON(catalog)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newCatalogGraphCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "graph <catalog>",
		Short:   "Print the role dependency graph in DOT format",
		Example: `  seqsynth catalog graph libpng | dot -Tsvg > libpng.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := resolveCatalog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			graph, err := engine.NewGraphBuilder(catalog).Build()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), graph)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT(catalog.Library))
			return err
		},
	}
}

func newCatalogValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate CUE catalog files",
		Long: `Validate catalog files against the catalog schema and check their
contracts for consistency.

This command checks:
  - CUE syntax validity
  - Schema conformance
  - Operation, role and branch cross-references
  - Reachability of every role from some producer`,
		Example: `  seqsynth catalog validate ./catalogs/tree.cue
  seqsynth catalog validate ./catalogs/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				loaded, err := config.NewCatalogLoader().Load(cmd.Context(), path)
				if err != nil {
					failed++
					printLoadError(cmd, path, err)
					continue
				}
				c := loaded.Catalog
				if _, err := engine.NewGraphBuilder(c).Build(); err != nil {
					failed++
					printLoadError(cmd, path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d roles, %d operations, %d branches)\n",
					path, c.Library, len(c.Roles), len(c.Operations), c.TotalBranches())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d catalogs failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func printLoadError(cmd *cobra.Command, path string, err error) {
	var le *config.LoadError
	if errors.As(err, &le) && len(le.Errors) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n", path)
		for _, ve := range le.Errors {
			loc := ve.File
			if ve.Line > 0 {
				loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
			}
			if ve.Path != "" {
				loc += " " + ve.Path
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", loc, ve.Message)
		}
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid: %v\n", path, err)
}
