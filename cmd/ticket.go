package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ticket-scan/config"
	"ticket-scan/internal/services"
	"ticket-scan/internal/store"
	"ticket-scan/security"
	"ticket-scan/utils"
)

func newTicketCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Inspect issued tickets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "qr <ticket_ref>",
		Short: "Print the QR credential of an issued ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := security.NewTenantSigner(cfg.SigningMasterSecret, cfg.TenantID)
			if err != nil {
				return fmt.Errorf("credential signer: %w", err)
			}
			st, err := store.Open(cfg.ScanDBPath)
			if err != nil {
				return fmt.Errorf("open scan store: %w", err)
			}
			defer st.Close()

			issued, err := services.NewIssuanceService(st, signer, utils.RealClock{}).Credential(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issued)
		},
	})
	return cmd
}
