package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/EdoardoFiore/madmin/internal/services"
)

var (
	exportTable string
	exportOut   string
	importMode  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the rule store to a portable JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.engine.ExportRules(exportTable)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode export document: %w", err)
		}
		data = append(data, '\n')

		if exportOut == "" || exportOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(exportOut, data, 0600)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from an exported document",
	Long: `Import loads rules from an export document. Mode "append" inserts incoming
rules after the existing ones of each chain; "replace" clears the affected
scope first. Rules that fail validation are skipped and reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc services.ExportDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse export document: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		importErrs, err := a.engine.ImportRules(cmd.Context(), &doc, importMode)
		for _, msg := range importErrs {
			fmt.Fprintf(os.Stderr, "skipped: %s\n", msg)
		}
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rules (%d skipped)\n", len(doc.Rules)-len(importErrs), len(importErrs))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTable, "table", "", "limit export to one table")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "-", "output file (- for stdout)")
	importCmd.Flags().StringVar(&importMode, "mode", services.ImportAppend, "append or replace")
}
