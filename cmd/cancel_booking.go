package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cancelTenant string

var cancelBookingCmd = &cobra.Command{
	Use:   "cancel-booking <booking-id>",
	Short: "Cancel a booking in the tenant's calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(cancelTenant) == "" {
			return errors.New("--tenant is required")
		}

		a, log, err := loadApp("cmd.cancel_booking")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		tenant, err := a.tenants.BySlug(cmd.Context(), cancelTenant)
		if err != nil {
			return err
		}
		provider, ok := a.calendars.For(tenant.Calendar())
		if !ok {
			return fmt.Errorf("no calendar provider for %s", tenant.Calendar())
		}

		bookingID := strings.TrimSpace(args[0])
		if err := provider.Cancel(cmd.Context(), tenant.ID, bookingID); err != nil {
			return fmt.Errorf("cancel booking %s: %w", bookingID, err)
		}

		log.Info("Booking cancelled", "tenant_id", tenant.ID, "booking_id", bookingID)
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", bookingID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelBookingCmd)
	cancelBookingCmd.Flags().StringVarP(&cancelTenant, "tenant", "t", "", "tenant slug")
}
