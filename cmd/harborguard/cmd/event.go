package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Trigger webhook events",
}

var fireCmd = &cobra.Command{
	Use:   "fire [event] [data-json]",
	Short: "Fan an event out to every subscribed destination",
	Long: `Fan an event out to every enabled destination of the token's tenant that
subscribes to it. With --wait the command blocks until every delivery has an
outcome and prints them.

Example:
  harborguard event fire card.moved '{"cardId":"c_1","to":"done"}' --wait`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		var data map[string]any
		if len(args) == 2 {
			dec := json.NewDecoder(strings.NewReader(args[1]))
			dec.UseNumber()
			if err := dec.Decode(&data); err != nil {
				return fmt.Errorf("invalid data JSON: %w", err)
			}
		}

		path := "/v1/events"
		if wait {
			path += "?wait=true"
		}
		var resp struct {
			Status   string `json:"status"`
			Event    string `json:"event"`
			Outcomes []struct {
				DeliveryID    string `json:"deliveryId"`
				DestinationID string `json:"destinationId"`
				Kind          string `json:"kind"`
				HTTPStatus    *int   `json:"httpStatus"`
				DurationMs    int64  `json:"durationMs"`
				Error         string `json:"error"`
			} `json:"outcomes"`
		}
		if err := doRequest("POST", path, map[string]any{"event": args[0], "data": data}, &resp); err != nil {
			return fmt.Errorf("failed to fire event: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, resp)
		}
		fmt.Fprintf(w, "Event %s: %s\n", resp.Event, resp.Status)
		for _, o := range resp.Outcomes {
			status := "-"
			if o.HTTPStatus != nil {
				status = fmt.Sprint(*o.HTTPStatus)
			}
			fmt.Fprintf(w, "  %s -> %s  %s  http=%s  %dms", o.DeliveryID, o.DestinationID, o.Kind, status, o.DurationMs)
			if o.Error != "" {
				fmt.Fprintf(w, "  %s", o.Error)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(fireCmd)
	fireCmd.Flags().Bool("wait", false, "wait for every delivery outcome")
}
