package main

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ineyio/credgate"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newInitCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Register every configured credential as free",
		Long: "init writes the unowned marker into the owner record of every credential. " +
			"Run it once when the pool is deployed or its membership changes. " +
			"Live locks are left to expire.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.pool.Bootstrap(cmd.Context(), e.store, e.cfg.OwnerTTL); err != nil {
				return err
			}
			c.logger.Info("credential pool registered", "credentials", e.pool.Len(), "backend", e.cfg.Store.Backend)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %d credentials as free\n", e.pool.Len())
			return err
		},
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show owner and lock holder of every credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			states, err := e.locks.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREDENTIAL\tOWNER\tLOCKED BY")
			free := 0
			for _, st := range states {
				name := credgate.Redact(st.Credential)
				if showSecrets {
					name = st.Credential
				}
				owner := st.Owner
				switch {
				case st.Free():
					owner = "(free)"
					free++
				case owner == "":
					owner = "(unregistered)"
				}
				locked := st.LockedBy
				if locked == "" {
					locked = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, owner, locked)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d credentials free\n", free, len(states))
			return err
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials unredacted")
	return cmd
}

func newAcquireCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire CALLER",
		Short: "Make a single lock attempt for a caller",
		Long: "acquire locks a credential for CALLER exactly once, without retrying. " +
			"The lock self-expires after the configured lock TTL unless released.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.locks.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			via := "free scan"
			switch {
			case res.Sticky:
				via = "sticky binding"
			case res.Fallback:
				via = "random fallback"
			}
			out := cmd.OutOrStdout()
			if !res.Acquired() {
				_, err = fmt.Fprintf(out, "contended: %s is locked (via %s)\n", credgate.Redact(res.Target), via)
				return err
			}
			_, err = fmt.Fprintf(out, "acquired %s (via %s), lock expires %s\n",
				credgate.Redact(res.Credential), via, humanize.Time(time.Now().Add(e.cfg.LockTTL)))
			return err
		},
	}
}

func newReleaseCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "release CALLER",
		Short: "Release the lock held by a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.locks.Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return err
		},
	}
}

func newQuotaCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "quota CALLER",
		Short: "Show a caller's request count for today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			caller := args[0]
			count, err := e.rate.Count(cmd.Context(), caller)
			if err != nil {
				return err
			}

			limit := "unlimited"
			switch {
			case slices.Contains(e.cfg.PrivilegedCallers, caller):
				limit = "unlimited (privileged)"
			case e.rate.Limit() > 0:
				limit = humanize.Comma(e.rate.Limit())
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s requests today, limit %s, resets %s\n",
				caller, humanize.Comma(count), limit, humanize.Time(e.rate.ResetAt()))
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the credgate version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "credgate %s\n", version)
			return err
		},
	}
}
