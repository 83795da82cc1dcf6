package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bookingbot/pkg/credentials"
)

var credentialsFlags struct {
	tenant       string
	accessToken  string
	refreshToken string
	expiresIn    time.Duration
	locationID   string
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage tenant API credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a tenant's OAuth grant in the shared credential store",
	Long:  "Stores an access and refresh token for a tenant. Workers refresh it before expiry. Requires the redis credential store, since the memory store does not outlive this command.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		f := credentialsFlags
		if strings.TrimSpace(f.tenant) == "" {
			return errors.New("--tenant is required")
		}

		a, log, err := loadApp("cmd.credentials")
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if !strings.EqualFold(a.cfg.Credentials.Store, "redis") {
			return fmt.Errorf("credentials set needs credentials.store=redis, have %q", a.cfg.Credentials.Store)
		}

		tenant, err := a.tenants.BySlug(cmd.Context(), f.tenant)
		if err != nil {
			return err
		}

		cred := credentials.Credential{
			AccessToken:  strings.TrimSpace(f.accessToken),
			RefreshToken: strings.TrimSpace(f.refreshToken),
			LocationID:   strings.TrimSpace(f.locationID),
		}
		if cred.AccessToken != "" && f.expiresIn > 0 {
			cred.ExpiresAt = time.Now().UTC().Add(f.expiresIn)
		}
		if err := a.tokens.Seed(cmd.Context(), tenant.ID, cred); err != nil {
			return err
		}

		log.Info("Credential stored", "tenant_id", tenant.ID, "expires_at", cred.ExpiresAt)
		fmt.Fprintf(cmd.OutOrStdout(), "stored credential for %s\n", tenant.Slug)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd)

	flags := credentialsSetCmd.Flags()
	flags.StringVarP(&credentialsFlags.tenant, "tenant", "t", "", "tenant slug")
	flags.StringVar(&credentialsFlags.accessToken, "access-token", "", "current access token")
	flags.StringVar(&credentialsFlags.refreshToken, "refresh-token", "", "refresh token")
	flags.DurationVar(&credentialsFlags.expiresIn, "expires-in", 24*time.Hour, "access token lifetime")
	flags.StringVar(&credentialsFlags.locationID, "location-id", "", "LeadConnector location id")
}
