package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/auth"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "signalpollctl",
		Short:         "signalpoll - administer the secure polling server",
		Long:          "Revoke devices, queue items and inspect poll scheduling on a signalpoll server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "signalpoll server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("SIGNALPOLL_ADMIN_TOKEN"), "Admin bearer token (default $SIGNALPOLL_ADMIN_TOKEN)")

	rootCmd.AddCommand(
		statusCmd(),
		revokeCmd(),
		unrevokeCmd(),
		enqueueCmd(),
		itemsCmd(),
		tokenCmd(),
		eventsCmd(),
		versionCmd(),
	)
	return rootCmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [device]",
		Short: "Show revocation and scheduling state for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			rev, err := c.revocation(args[0])
			if err != nil {
				return err
			}
			bo, err := c.backoff(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device: %s\n", args[0])
			fmt.Fprintf(out, "========================================\n\n")
			if rev.Revoked && rev.Revocation != nil {
				fmt.Fprintf(out, "Revoked:           yes (%s, %s)\n", rev.Revocation.Reason, rev.Revocation.RevokedAt.Format(time.RFC3339))
			} else {
				fmt.Fprintf(out, "Revoked:           no\n")
			}
			if bo.HistoryAvailable {
				fmt.Fprintf(out, "Next interval:     %ds\n", bo.NextIntervalSeconds)
				fmt.Fprintf(out, "Consecutive empty: %d\n", bo.ConsecutiveEmpty)
				fmt.Fprintf(out, "Recorded polls:    %d\n", len(bo.History))
			} else {
				fmt.Fprintf(out, "Next interval:     %ds (history unavailable)\n", bo.NextIntervalSeconds)
			}
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke [device]",
		Short: "Revoke a device's keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().revoke(args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the revocation")
	return cmd
}

func unrevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unrevoke [device]",
		Short: "Clear a device revocation after re-registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().clearRevocation(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared revocation for %s\n", args[0])
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue [device] [json|-]",
		Short: "Queue an item for a device; '-' reads the payload from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args[1])
			if err != nil {
				return err
			}
			item, err := newClient().enqueue(args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %s\n", item.ID, args[0])
			return nil
		},
	}
}

func itemsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "items [device]",
		Aliases: []string{"ls"},
		Short:   "List queued items for a device",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().items(args[0], all)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUEUED\tSTATUS")
			fmt.Fprintln(w, "--\t------\t------")
			for _, it := range items {
				status := "pending"
				if it.AckedAt != nil {
					status = "acked " + it.AckedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s ago\t%s\n", it.ID, time.Since(it.CreatedAt).Round(time.Second), status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include acknowledged items")
	return cmd
}

func tokenCmd() *cobra.Command {
	var savePath string
	cmd := &cobra.Command{
		Use:   "token [device]",
		Short: "Mint the device token for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newClient().mintToken(args[0])
			if err != nil {
				return err
			}
			if savePath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}
			creds := &auth.Credentials{DeviceID: args[0], Token: token}
			if err := creds.Save(savePath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credentials for %s written to %s\n", args[0], savePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&savePath, "save", "o", "", "Write an agent credentials file instead of printing the token")
	return cmd
}

func eventsCmd() *cobra.Command {
	var (
		device string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient().events(device, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tDEVICE\tREMOTE\tDETAIL")
			fmt.Fprintln(w, "----\t----\t------\t------\t------")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, orDash(e.DeviceID), orDash(e.RemoteIP), e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "Only show events for this device")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "signalpollctl version %s\n", Version)
		},
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
