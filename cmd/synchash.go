package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memberbase/ldapbridge/internal/credential"
	"github.com/memberbase/ldapbridge/internal/store"
)

func init() {
	rootCmd.AddCommand(syncHashCmd)

	syncHashCmd.Flags().String("dsn", "", "PostgreSQL connection string")
	syncHashCmd.Flags().String("key", "", "Member login to resync")
	syncHashCmd.Flags().Bool("all", false, "Resync every credential row")
}

var syncHashCmd = &cobra.Command{
	Use:   "synchash",
	Short: "Recompute crypt password derivatives from the canonical hashes",
	Long: `synchash rewrites the crypt-format password derivative of one or
all members from their canonical hash. Run it after restoring a backup or
any out-of-band change that may have split the two representations.`,
	RunE: runSyncHash,
}

func runSyncHash(cmd *cobra.Command, args []string) error {
	f := NewFlagLoader(cmd)
	dsn := f.String("dsn")
	key := f.String("key")
	all := f.Bool("all")

	if dsn == "" {
		return fmt.Errorf("a relational store DSN is required")
	}
	if (key == "") != all {
		return fmt.Errorf("provide exactly one of --key or --all")
	}

	st, err := store.Open(store.Config{DSN: dsn, AcquireTimeout: 30 * time.Second})
	if err != nil {
		return err
	}
	defer st.Close()

	normalizer := credential.NewNormalizer(st)
	ctx := cmd.Context()

	if all {
		n, err := normalizer.SyncAll(ctx)
		if err != nil {
			return fmt.Errorf("resynced %d rows before failing: %w", n, err)
		}
		fmt.Printf("resynced %d credential rows\n", n)
		return nil
	}

	if err := normalizer.SyncHash(ctx, key); err != nil {
		return err
	}
	fmt.Printf("resynced credential row for %s\n", key)
	return nil
}
