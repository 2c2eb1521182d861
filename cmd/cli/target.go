package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/store"
)

var (
	targetName string
	targetURL  string
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Register targets and inspect their subdomains",
}

var targetAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a root domain to monitor",
	Example: `  subwatch target add --name acme --url https://acme.example
  subwatch target add --url example.org`,
	RunE: runTargetAdd,
}

var targetSubdomainsCmd = &cobra.Command{
	Use:   "subdomains <target-id>",
	Short: "List the known subdomains of a target",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargetSubdomains,
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd)
	targetCmd.AddCommand(targetSubdomainsCmd)

	targetAddCmd.Flags().StringVar(&targetName, "name", "", "display name (defaults to the domain)")
	targetAddCmd.Flags().StringVar(&targetURL, "url", "", "root URL or domain of the target")
	_ = targetAddCmd.MarkFlagRequired("url")
}

func runTargetAdd(cmd *cobra.Command, _ []string) error {
	target := &store.Target{
		Name: strings.TrimSpace(targetName),
		URL:  strings.TrimSpace(targetURL),
	}
	domain := target.Domain()
	if domain == "" {
		return fmt.Errorf("invalid target url %q", targetURL)
	}
	if target.Name == "" {
		target.Name = domain
	}

	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		if err := st.CreateTarget(ctx, target); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered target %s (%s) with id %s\n", target.Name, domain, target.ID)
		return nil
	})
}

func runTargetSubdomains(cmd *cobra.Command, args []string) error {
	targetID, err := parseTargetID(args[0])
	if err != nil {
		return err
	}

	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		if _, err := st.GetTarget(ctx, targetID); err != nil {
			return err
		}
		subs, err := st.ListSubdomains(ctx, targetID)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No subdomains recorded yet")
			return nil
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("URL", "Status", "Title", "First Seen", "Last Seen")
		for _, sub := range subs {
			title := ""
			if sub.Title != nil {
				title = *sub.Title
			}
			row := []string{sub.URL, string(sub.Status), title, formatTime(&sub.FirstSeen), formatTime(&sub.LastSeen)}
			if err := table.Append(row); err != nil {
				return err
			}
		}
		return table.Render()
	})
}

func parseTargetID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid target id %q: %w", raw, err)
	}
	return id, nil
}
