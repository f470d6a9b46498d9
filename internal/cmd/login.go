// Package cmd implements the CLI operations behind the server binary's
// flags: the device-code login flow and local account management.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

// LoginOptions controls the device-code flow.
type LoginOptions struct {
	// StartURL selects IAM Identity Center; empty means Builder ID.
	StartURL string
	Region   string
	// NoBrowser prints the verification URI instead of opening it.
	NoBrowser bool
}

// DoLogin runs the device-code flow end to end and persists the resulting
// account through the manager. The flow is capped at 15 minutes.
func DoLogin(ctx context.Context, manager *account.Manager, oidc *kiroauth.SSOOIDCClient, opts LoginOptions) (*account.Account, error) {
	region := account.NormalizeRegion(opts.Region)
	if opts.StartURL != "" {
		if err := kiroauth.ValidateStartURL(opts.StartURL); err != nil {
			return nil, err
		}
	}

	ch, err := oidc.BeginAuthorization(ctx, region, opts.StartURL)
	if err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}

	landing := kiroauth.NewLandingServer(ch)
	landingUp := true
	if err := landing.Start(); err != nil {
		log.Warnf("login: landing page unavailable: %v", err)
		landingUp = false
	}

	fmt.Printf("\nTo sign in, visit:\n\n  %s\n\nand enter the code: %s\n\n", ch.VerificationURI, ch.UserCode)
	if !opts.NoBrowser {
		target := ch.VerificationURIComplete
		if landingUp {
			target = landing.URL()
		}
		if target == "" {
			target = ch.VerificationURI
		}
		if err := browser.OpenURL(target); err != nil {
			log.Warnf("login: cannot open browser: %v", err)
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, kiroauth.LoginTimeout)
	defer cancel()
	res, pollErr := oidc.PollForToken(pollCtx, ch)

	if landingUp {
		landing.SetResult(pollErr)
		// leave the page up long enough for the status poller to see it
		time.Sleep(1500 * time.Millisecond)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		_ = landing.Stop(stopCtx)
	}
	if pollErr != nil {
		return nil, pollErr
	}

	acc, err := account.FromTokenResult(ch, res)
	if err != nil {
		return nil, err
	}
	manager.AddAccount(acc)
	log.Infof("login: added account %s (%s)", acc.DisplayEmail(), acc.AuthMethod)
	return acc, nil
}
