package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

// ListAccounts prints the fleet as a table.
func ListAccounts(w io.Writer, manager *account.Manager) {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts. Run with --login to add one.")
		return
	}
	now := time.Now().UnixMilli()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tMETHOD\tREGION\tSTATE\tUSAGE")
	for _, acc := range accounts {
		state := "available"
		switch {
		case !acc.IsHealthy && acc.RecoveryTime > now:
			state = fmt.Sprintf("unhealthy (%s until %s)", acc.UnhealthyReason,
				time.UnixMilli(acc.RecoveryTime).UTC().Format(time.RFC3339))
		case !acc.IsHealthy:
			state = fmt.Sprintf("unhealthy (%s)", acc.UnhealthyReason)
		case acc.RateLimitResetTime > now:
			state = fmt.Sprintf("rate-limited until %s",
				time.UnixMilli(acc.RateLimitResetTime).UTC().Format(time.RFC3339))
		}
		usage := "-"
		if acc.LimitCount > 0 {
			usage = fmt.Sprintf("%d/%d", acc.UsedCount, acc.LimitCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			acc.ID[:8], acc.DisplayEmail(), acc.AuthMethod, acc.Region, state, usage)
	}
	tw.Flush()
}

// RemoveAccount deletes an account by full or short ID, or by email.
func RemoveAccount(manager *account.Manager, ref string) error {
	for _, acc := range manager.Accounts() {
		if acc.ID == ref || acc.DisplayEmail() == ref || (len(ref) >= 8 && len(acc.ID) >= len(ref) && acc.ID[:len(ref)] == ref) {
			manager.RemoveAccount(acc.ID)
			fmt.Printf("Removed account %s\n", acc.DisplayEmail())
			return nil
		}
	}
	return fmt.Errorf("no account matches %q", ref)
}

// RefreshAll forces a token refresh for every account and reports failures
// without stopping.
func RefreshAll(ctx context.Context, manager *account.Manager, oidc *kiroauth.SSOOIDCClient) error {
	var failed int
	for _, acc := range manager.Accounts() {
		if _, err := manager.RefreshAccount(ctx, oidc, acc.ID); err != nil {
			failed++
			fmt.Printf("refresh %s: %v\n", acc.DisplayEmail(), err)
			continue
		}
		fmt.Printf("refreshed %s\n", acc.DisplayEmail())
	}
	if failed > 0 {
		return fmt.Errorf("%d account(s) failed to refresh", failed)
	}
	return nil
}
