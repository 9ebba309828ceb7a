package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alextreichler/tradepost/internal/affiliate"
	"github.com/alextreichler/tradepost/internal/deliverable"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/orders"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:          "market-cli",
		Short:        "Operator commands for the marketplace database",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "path to the SQLite database (env DB_PATH)")

	root.AddCommand(newAddUserCmd(&dbPath), newRenewCmd(&dbPath))
	return root
}

func defaultDBPath() string {
	if p := os.Getenv("DB_PATH"); p != "" {
		return p
	}
	return "./market.db"
}

func newAddUserCmd(dbPath *string) *cobra.Command {
	var (
		email, password, name, hasher string
		seller                        bool
	)
	cmd := &cobra.Command{
		Use:   "add-user",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLStore(*dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			verifier, err := identity.NewCredentialVerifier(hasher)
			if err != nil {
				return err
			}
			svc := identity.NewService(db, db, verifier, nil)
			_, user, err := svc.Register(cmd.Context(), identity.RegisterInput{
				Email:    email,
				Password: password,
				Name:     name,
				IsSeller: seller,
			})
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' created successfully (id %s, referral code %s).\n", user.Email, user.ID, user.ReferralCode)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email for the new user")
	cmd.Flags().StringVar(&password, "password", "", "password for the new user")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&seller, "seller", false, "mark the account as a seller")
	cmd.Flags().StringVar(&hasher, "hasher", os.Getenv("PASSWORD_HASHER"), "password hasher: scrypt or bcrypt")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRenewCmd(dbPath *string) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Run one subscription billing sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("--as-of must be RFC 3339: %w", err)
				}
				now = t.UTC()
			}

			db, err := store.NewSQLStore(*dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			ledger := affiliate.NewLedger(db, db, db)
			svc := orders.NewService(db, db, deliverable.NewAllocator(db), ledger)
			n, err := svc.RenewDue(cmd.Context(), now)
			if err != nil {
				return fmt.Errorf("billing sweep failed after %d renewals: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renewed %d subscription(s).\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "treat this RFC 3339 time as now")
	return cmd
}
