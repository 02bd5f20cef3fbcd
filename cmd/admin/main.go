// Command admin provisions and manages distbuild consumers. It talks to the
// database directly and never goes through the HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/distbuild/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/distbuild/internal/auth"
	"github.com/fairyhunter13/distbuild/internal/config"
	"github.com/fairyhunter13/distbuild/internal/domain"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage distbuild consumers",
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(setQuotaCmd)
	rootCmd.AddCommand(rotateKeyCmd)

	createCmd.Flags().Int("max-concurrent", 2, "Concurrent running job limit")
	createCmd.Flags().Int("max-per-day", 100, "Jobs per 24h limit")
	setQuotaCmd.Flags().Int("max-concurrent", 0, "Concurrent running job limit (0 keeps current)")
	setQuotaCmd.Flags().Int("max-per-day", 0, "Jobs per 24h limit (0 keeps current)")
}

// withRepo loads config, migrates, and hands an open consumer repo to fn.
func withRepo(fn func(ctx context.Context, repo *postgres.ConsumerRepo) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := postgres.Migrate(cfg.DBURL); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, postgres.NewConsumerRepo(pool))
}

var createCmd = &cobra.Command{
	Use:   "create-consumer NAME",
	Short: "Create a consumer and print its token once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		maxPerDay, _ := cmd.Flags().GetInt("max-per-day")
		return withRepo(func(ctx context.Context, repo *postgres.ConsumerRepo) error {
			kid, token, err := auth.NewToken()
			if err != nil {
				return err
			}
			kh, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			c, err := repo.Create(ctx, domain.Consumer{
				Name:              args[0],
				Active:            true,
				KeyID:             kid,
				KeySaltB64:        kh.SaltB64,
				KeyDigestB64:      kh.DigestB64,
				MaxConcurrentJobs: maxConcurrent,
				MaxJobsPerDay:     maxPerDay,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created consumer %s (%s)\n", c.Name, c.ID)
			fmt.Printf("token (shown once, store it now): %s\n", token)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list-consumers",
	Short: "List all consumers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(func(ctx context.Context, repo *postgres.ConsumerRepo) error {
			consumers, err := repo.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKEY_ID\tACTIVE\tMAX_CONCURRENT\tMAX_PER_DAY\tCREATED")
			for _, c := range consumers {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n",
					c.Name, c.KeyID, c.Active, c.MaxConcurrentJobs, c.MaxJobsPerDay,
					c.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

func setActive(name string, active bool) error {
	return withRepo(func(ctx context.Context, repo *postgres.ConsumerRepo) error {
		c, err := repo.GetByName(ctx, name)
		if err != nil {
			return err
		}
		c.Active = active
		if err := repo.Update(ctx, c); err != nil {
			return err
		}
		fmt.Printf("consumer %s active=%t\n", name, active)
		return nil
	})
}

var enableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Enable a consumer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Disable a consumer; its submissions and claims stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(args[0], false)
	},
}

var setQuotaCmd = &cobra.Command{
	Use:   "set-quota NAME",
	Short: "Update a consumer's quotas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		maxPerDay, _ := cmd.Flags().GetInt("max-per-day")
		return withRepo(func(ctx context.Context, repo *postgres.ConsumerRepo) error {
			c, err := repo.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			if maxConcurrent > 0 {
				c.MaxConcurrentJobs = maxConcurrent
			}
			if maxPerDay > 0 {
				c.MaxJobsPerDay = maxPerDay
			}
			if err := repo.Update(ctx, c); err != nil {
				return err
			}
			fmt.Printf("consumer %s max_concurrent=%d max_per_day=%d\n", c.Name, c.MaxConcurrentJobs, c.MaxJobsPerDay)
			return nil
		})
	},
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key NAME",
	Short: "Issue a fresh token for a consumer, invalidating the old one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(func(ctx context.Context, repo *postgres.ConsumerRepo) error {
			c, err := repo.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			kid, token, err := auth.NewToken()
			if err != nil {
				return err
			}
			kh, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			c.KeyID = kid
			c.KeySaltB64 = kh.SaltB64
			c.KeyDigestB64 = kh.DigestB64
			if err := repo.Update(ctx, c); err != nil {
				return err
			}
			fmt.Printf("rotated key for %s\n", c.Name)
			fmt.Printf("token (shown once, store it now): %s\n", token)
			return nil
		})
	},
}
