package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/delivery"
)

// destinationCmd represents the destination command
var destinationCmd = &cobra.Command{
	Use:     "destination",
	Aliases: []string{"dest"},
	Short:   "Manage webhook destinations",
	Long:    `Register, list, enable and disable the webhook destinations of the token's tenant.`,
}

var createDestinationCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Register a destination",
	Long: `Register a destination for the events given with --events. The signing
secret is printed once; store it with the receiver.

Example:
  harborguard destination create https://hooks.example.com/in --events card.moved,card.created`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetStringSlice("events")
		secret, _ := cmd.Flags().GetString("secret")

		var resp struct {
			delivery.Destination
			Secret string `json:"secret"`
		}
		err := doRequest("POST", "/v1/destinations", map[string]any{
			"url":    args[0],
			"events": events,
			"secret": secret,
		}, &resp)
		if err != nil {
			return fmt.Errorf("failed to create destination: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, resp)
		}
		fmt.Fprintf(w, "Created destination: %s\n", resp.ID)
		fmt.Fprintf(w, "  URL: %s\n", resp.URL)
		fmt.Fprintf(w, "  Events: %v\n", resp.SubscribedEvents)
		fmt.Fprintf(w, "  Secret: %s\n", resp.Secret)
		fmt.Fprintf(w, "  Created: %s\n", resp.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var listDestinationsCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Destinations []delivery.Destination `json:"destinations"`
		}
		if err := doRequest("GET", "/v1/destinations", nil, &resp); err != nil {
			return fmt.Errorf("failed to list destinations: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, resp)
		}
		if len(resp.Destinations) == 0 {
			fmt.Fprintln(w, "No destinations found")
			return nil
		}
		for _, d := range resp.Destinations {
			state := "enabled"
			if !d.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(w, "%s  %-8s  %s  %v\n", d.ID, state, d.URL, d.SubscribedEvents)
		}
		return nil
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return &cobra.Command{
		Use:   use + " [destination-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d delivery.Destination
			if err := doRequest("POST", "/v1/destinations/"+url.PathEscape(args[0])+"/"+action, nil, &d); err != nil {
				return fmt.Errorf("failed to %s destination: %w", action, err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Destination %s enabled=%v\n", d.ID, d.Enabled)
			return nil
		},
	}
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [destination-id]",
	Short: "Show recent delivery records for a destination",
	Long: `Show the newest delivery records for a destination.

Example:
  harborguard destination deliveries 3f1c... --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		path := "/v1/destinations/" + url.PathEscape(args[0]) + "/deliveries"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		var resp struct {
			Deliveries []delivery.Record `json:"deliveries"`
		}
		if err := doRequest("GET", path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, resp)
		}
		fmt.Fprintf(w, "Deliveries for destination %s:\n", args[0])
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(w, "  No delivery records found")
			return nil
		}
		for i, r := range resp.Deliveries {
			fmt.Fprintf(w, "\n  Delivery %d:\n", i+1)
			fmt.Fprintf(w, "    Delivery ID: %s\n", r.ID)
			fmt.Fprintf(w, "    Event: %s\n", r.Event)
			fmt.Fprintf(w, "    Succeeded: %v\n", r.Succeeded)
			if r.HTTPStatus != nil {
				fmt.Fprintf(w, "    HTTP Status: %d\n", *r.HTTPStatus)
			}
			if r.Error != "" {
				fmt.Fprintf(w, "    Error: %s\n", r.Error)
			}
			fmt.Fprintf(w, "    Duration: %dms\n", r.DurationMs)
			fmt.Fprintf(w, "    At: %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(destinationCmd)
	destinationCmd.AddCommand(createDestinationCmd)
	destinationCmd.AddCommand(listDestinationsCmd)
	destinationCmd.AddCommand(setEnabledCmd("disable", "Stop deliveries to a destination, keeping its history", false))
	destinationCmd.AddCommand(setEnabledCmd("enable", "Resume deliveries to a destination", true))
	destinationCmd.AddCommand(deliveriesCmd)

	createDestinationCmd.Flags().StringSlice("events", nil, "event names to subscribe to (comma separated)")
	createDestinationCmd.Flags().String("secret", "", "signing secret, at least 32 characters (if not provided, one will be generated)")
	deliveriesCmd.Flags().Int("limit", 10, "maximum number of records")
}
