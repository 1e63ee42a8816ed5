package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `chatrelay health` command. It queries the
// gateway of a running instance; used by container health checks.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running instance through its gateway",
		Long: `Request /health from the gateway of a running chatrelay and print the
response. Exits non-zero unless the instance reports status 200.`,
		RunE: runHealth,
	}
	cmd.Flags().String("address", "", "gateway address (default: gateway.address from config)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	address, _ := cmd.Flags().GetString("address")
	if address == "" {
		cfg, _, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		address = cfg.Gateway.Address
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	body, err := fetchHealth(cmd.Context(), address, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), body)
	return nil
}

// fetchHealth returns the /health body, or an error on transport failure
// or a non-200 status.
func fetchHealth(ctx context.Context, address string, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, data)
	}
	return string(data), nil
}
