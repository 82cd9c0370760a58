package commands

import (
	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/extractor"
	"despatchflow/internal/ingest"

	"github.com/spf13/cobra"
)

var (
	sendTo      string
	sendConvert bool
)

var sendCmd = &cobra.Command{
	Use:   "send FILE",
	Short: "Email a despatch advice document",
	Long:  "Email FILE to --to. With --convert the file is treated as an invoice and converted first.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendTo, "to", "t", "", "recipient email address (required)")
	sendCmd.Flags().BoolVar(&sendConvert, "convert", false, "convert the file before sending")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctrl := rt.controller()
	defer ctrl.Close()

	h, err := ingest.NewPathHandle(args[0])
	if err != nil {
		return err
	}
	if err := ctrl.Ingest(ctx, h); err != nil {
		return err
	}

	if sendConvert {
		spin := ui.NewSpinner("Converting...")
		spin.Start()
		err := ctrl.Convert(ctx)
		spin.Stop()
		if err != nil {
			return err
		}
	}

	meta := extractor.Extract(string(ctrl.Snapshot().Document))
	ui.Info("Subject: %s", meta.Subject())
	ui.KeyValue("IssueDate", meta.IssueDate)

	if err := ctrl.OpenCompose(); err != nil {
		return err
	}
	spin := ui.NewSpinner("Sending to " + sendTo + "...")
	spin.Start()
	err = ctrl.Send(ctx, sendTo)
	spin.Stop()
	if err != nil {
		return err
	}

	ui.Success("Sent %s to %s", meta.ID, sendTo)
	return nil
}
