package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sinbaddoraji/gridcore"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "gridcalc",
		Short:         "Inspect and edit spreadsheet documents from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	root.AddCommand(newPrintCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newSetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gridcalc:", err)
		os.Exit(1)
	}
}

// openEngine loads a document file into a fresh engine. the caller owns
// the engine and must Close it.
func openEngine(path string) (*gridcore.Engine, error) {
	cfg, err := gridcore.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	// a CLI session is one shot; the scheduler only gets in the way
	cfg.Autosave.Enabled = false
	cfg.Conflict.WatchFile = false

	engine := gridcore.NewEngine(cfg)
	content, err := os.ReadFile(path)
	if err != nil {
		engine.Close()
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		engine.Close()
		return nil, err
	}
	engine.LoadDocument(content, info.ModTime())
	return engine, nil
}

// pickSheet resolves a sheet by name, falling back to the first sheet
func pickSheet(engine *gridcore.Engine, name string) (*gridcore.Sheet, error) {
	sheets := engine.Sheets()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("document has no sheets")
	}
	if name == "" {
		return sheets[0], nil
	}
	for _, sheet := range sheets {
		if sheet.Name == name {
			return sheet, nil
		}
	}
	return nil, fmt.Errorf("no sheet named %q", name)
}

func newPrintCmd() *cobra.Command {
	var sheetName string
	cmd := &cobra.Command{
		Use:   "print <file>",
		Short: "Render the computed grid of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer engine.Close()

			sheet, err := pickSheet(engine, sheetName)
			if err != nil {
				return err
			}
			grid := engine.DisplayGridFor(sheet.ID)
			if grid == nil || len(grid.Grid) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: (empty)\n", sheet.Name)
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", sheet.Name)
			header := make([]string, 0, len(grid.ColIndexMap)+1)
			header = append(header, "")
			for _, col := range grid.ColIndexMap {
				header = append(header, columnLabel(col))
			}
			fmt.Fprintln(out, strings.Join(header, "\t"))
			for i, row := range grid.Grid {
				line := make([]string, 0, len(row)+1)
				line = append(line, fmt.Sprintf("%d", grid.RowIndexMap[i]+1))
				line = append(line, row...)
				fmt.Fprintln(out, strings.Join(line, "\t"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "", "sheet name (default: first sheet)")
	return cmd
}

// columnLabel renders a zero-based column index as letters
func columnLabel(col int) string {
	address := gridcore.FormatCellAddress(0, col)
	return strings.TrimSuffix(address, "1")
}

func newGetCmd() *cobra.Command {
	var sheetName string
	cmd := &cobra.Command{
		Use:   "get <file> <cell>",
		Short: "Print one cell's raw input and computed display value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer engine.Close()

			sheet, err := pickSheet(engine, sheetName)
			if err != nil {
				return err
			}
			row, col, err := gridcore.ParseCellAddress(args[1])
			if err != nil {
				return err
			}
			cell := engine.CellAt(sheet.ID, row, col)
			if cell == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: (empty)\n", strings.ToUpper(args[1]))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", strings.ToUpper(args[1]), cell.DisplayValue)
			if cell.IsFormula {
				fmt.Fprintf(cmd.OutOrStdout(), "  (%s)", cell.RawInput)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "", "sheet name (default: first sheet)")
	return cmd
}

func newSetCmd() *cobra.Command {
	var sheetName string
	cmd := &cobra.Command{
		Use:   "set <file> <cell> <value>",
		Short: "Update one cell and write the document back",
		Long:  "Update one cell and write the document back. A value starting with '=' installs a formula; an empty value clears the cell.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(args[0])
			if err != nil {
				return err
			}
			defer engine.Close()

			sheet, err := pickSheet(engine, sheetName)
			if err != nil {
				return err
			}
			row, col, err := gridcore.ParseCellAddress(args[1])
			if err != nil {
				return err
			}
			if err := engine.UpdateCell(sheet.ID, row, col, args[2]); err != nil {
				return err
			}

			data, err := engine.Serialize()
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			engine.MarkClean()

			if cell := engine.CellAt(sheet.ID, row, col); cell != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", strings.ToUpper(args[1]), cell.DisplayValue)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", strings.ToUpper(args[1]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheetName, "sheet", "", "sheet name (default: first sheet)")
	return cmd
}
