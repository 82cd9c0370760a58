package commands

import (
	"errors"

	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/extractor"
	"despatchflow/internal/ingest"

	"github.com/spf13/cobra"
)

var extractPreview bool

var extractCmd = &cobra.Command{
	Use:   "extract FILE...",
	Short: "Show the ID and issue date of XML documents",
	Long:  "Read each file and print the metadata that would go into the email. No service is called.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().BoolVarP(&extractPreview, "preview", "p", false, "also print the indented document")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	adapter := ingest.NewAdapter(0)
	failed := 0

	for _, path := range args {
		h, err := ingest.NewPathHandle(path)
		if err != nil {
			ui.Error("%s: %v", path, err)
			failed++
			continue
		}
		text, _, err := adapter.Ingest(cmd.Context(), h)
		if err != nil {
			ui.Error("%s: %v", path, err)
			failed++
			continue
		}

		meta := extractor.Extract(string(text))
		ui.Section(path)
		ui.KeyValue("ID", meta.ID)
		ui.KeyValue("IssueDate", meta.IssueDate)
		ui.KeyValue("Subject", meta.Subject())
		if extractPreview {
			ui.Raw(extractor.Preview(string(text)))
		}
	}

	if failed > 0 {
		return errors.New("some files could not be read")
	}
	return nil
}
