package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/guard"
)

type validateResult struct {
	URL       string   `json:"url"`
	Allowed   bool     `json:"allowed"`
	Code      string   `json:"code,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Pinned    string   `json:"pinned,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// validateCmd runs a URL through the destination guard
var validateCmd = &cobra.Command{
	Use:   "validate [url]",
	Short: "Check whether a destination URL may be contacted",
	Long: `Run a URL through the same checks applied before every delivery and
print the address a delivery would be pinned to, or the rejection reason.

Example:
  harborguard validate https://hooks.example.com/in
  harborguard validate http://169.254.169.254/latest/meta-data`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if hardened, _ := cmd.Flags().GetBool("hardened"); cmd.Flags().Changed("hardened") {
			cfg.Delivery.Hardened = hardened
		}
		allow, _ := cmd.Flags().GetStringSlice("allow")
		if len(allow) == 0 {
			allow = cfg.Delivery.Allow
		}

		v, err := newValidator(cfg, allow)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		out := validateResult{URL: args[0]}
		res, verr := v.Validate(ctx, args[0])
		if re, ok := guard.AsReject(verr); ok {
			out.Code, out.Reason = re.Code, re.Reason
		} else if verr != nil {
			return verr
		} else {
			out.Allowed = true
			out.Pinned = res.PinnedAddr()
			for _, a := range res.Addresses {
				out.Addresses = append(out.Addresses, a.String())
			}
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(w, out); err != nil {
				return err
			}
		} else if out.Allowed {
			fmt.Fprintf(w, "✓ %s is allowed\n", out.URL)
			fmt.Fprintf(w, "  Pinned: %s\n", out.Pinned)
			for _, a := range out.Addresses {
				fmt.Fprintf(w, "  Resolved: %s\n", a)
			}
		} else {
			fmt.Fprintf(w, "✗ %s is blocked\n", out.URL)
			fmt.Fprintf(w, "  Code: %s\n", out.Code)
			fmt.Fprintf(w, "  Reason: %s\n", out.Reason)
		}

		if !out.Allowed {
			return fmt.Errorf("destination rejected: %s", out.Code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("hardened", false, "reject plaintext http (overrides DELIVERY_HARDENED)")
	validateCmd.Flags().StringSlice("allow", nil, "CIDR prefixes exempt from private-range checks (overrides DELIVERY_ALLOW_CIDRS)")
}
