package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bookingbot/pkg/leadconnector"
)

var (
	ingestTenant   string
	ingestProvider string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Inject a webhook body for a tenant",
	Long:  "Reads a webhook body from file (or stdin when omitted or \"-\") and stores it for the tenant exactly as the webhook endpoint would. The worker picks it up on its next pass.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(ingestTenant) == "" {
			return errors.New("--tenant is required")
		}
		body, err := readBody(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		a, _, err := loadApp("cmd.ingest")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ack, err := a.ingestor().Ingest(cmd.Context(), ingestTenant, ingestProvider, body)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ack)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVarP(&ingestTenant, "tenant", "t", "", "tenant slug")
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", leadconnector.Name, "provider recorded on the inbound event")
}

func readBody(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		body, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	}

	body, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read body file: %w", err)
	}
	return body, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
