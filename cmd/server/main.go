// Command kiro-gateway runs the local OpenAI-compatible gateway in front of
// the Amazon Q developer endpoints, multiplexing requests across a fleet of
// locally stored accounts. The same binary doubles as the account management
// CLI via flags (--login, --list-accounts, --remove-account, --refresh,
// --import-cli).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	"github.com/opencode-kiro/kiro-gateway/internal/api"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/cmd"
	"github.com/opencode-kiro/kiro-gateway/internal/config"
	"github.com/opencode-kiro/kiro-gateway/internal/gateway"
	"github.com/opencode-kiro/kiro-gateway/internal/integrations/clisync"
	"github.com/opencode-kiro/kiro-gateway/internal/logging"
	"github.com/opencode-kiro/kiro-gateway/internal/metrics"
	"github.com/opencode-kiro/kiro-gateway/internal/refresh"
	"github.com/opencode-kiro/kiro-gateway/internal/usage"
	"github.com/opencode-kiro/kiro-gateway/internal/util"
)

var (
	// Overridden at build time via -ldflags.
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8317", "listen address for the gateway API")
		projectDir  = flag.String("project-dir", "", "project directory holding .opencode/kiro.json overrides")
		debug       = flag.Bool("debug", false, "force debug logging regardless of config")
		showVersion = flag.Bool("version", false, "print version and exit")

		login     = flag.Bool("login", false, "run the device-code login flow and exit")
		startURL  = flag.String("start-url", "", "IAM Identity Center start URL for --login (empty for Builder ID)")
		region    = flag.String("region", "", "OIDC region for --login")
		noBrowser = flag.Bool("no-browser", false, "print the verification URI instead of opening a browser")

		importCLI = flag.Bool("import-cli", false, "import credentials from the Amazon Q CLI store and exit")
		cliDB     = flag.String("cli-db", "", "path to the Q CLI sqlite store (default: auto-detect)")

		listAccounts  = flag.Bool("list-accounts", false, "list stored accounts and exit")
		removeAccount = flag.String("remove-account", "", "remove an account by ID, short ID, or email, then exit")
		refreshAll    = flag.Bool("refresh", false, "refresh all account tokens and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kiro-gateway %s (built %s)\n", version, buildDate)
		return
	}

	// Optional .env in the working directory.
	_ = godotenv.Load()

	cfg, err := config.Load(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		on := true
		cfg.Debug = &on
	}

	storeDir, err := account.DefaultDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve store dir: %v\n", err)
		os.Exit(1)
	}
	logging.SetupBaseLogger(cfg.DebugEnabled(), filepath.Join(storeDir, "logs"))

	store, err := account.NewStore(storeDir)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	manager, err := account.NewManager(store, cfg.AccountSelectionStrategy)
	if err != nil {
		log.Fatalf("account manager: %v", err)
	}
	oidc := kiroauth.NewSSOOIDCClient(util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 30 * time.Second}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One-shot CLI modes run against the same store the server uses.
	switch {
	case *login:
		if _, err := cmd.DoLogin(ctx, manager, oidc, cmd.LoginOptions{
			StartURL:  *startURL,
			Region:    *region,
			NoBrowser: *noBrowser,
		}); err != nil {
			log.Fatalf("login: %v", err)
		}
		return
	case *importCLI:
		dbPath := *cliDB
		if dbPath == "" {
			if dbPath, err = clisync.DefaultDatabasePath(); err != nil {
				log.Fatalf("import: %v", err)
			}
		}
		n, err := clisync.NewReader(dbPath).Import(ctx, manager, oidc)
		if err != nil {
			log.Fatalf("import: %v", err)
		}
		fmt.Printf("Imported %d account(s) from %s\n", n, dbPath)
		return
	case *listAccounts:
		cmd.ListAccounts(os.Stdout, manager)
		return
	case *removeAccount != "":
		if err := cmd.RemoveAccount(manager, *removeAccount); err != nil {
			log.Fatalf("remove: %v", err)
		}
		return
	case *refreshAll:
		if err := cmd.RefreshAll(ctx, manager, oidc); err != nil {
			log.Fatalf("refresh: %v", err)
		}
		return
	}

	runServer(ctx, cfg, manager, oidc, *addr, *projectDir)
}

func runServer(ctx context.Context, cfg *config.Config, manager *account.Manager, oidc *kiroauth.SSOOIDCClient, addr, projectDir string) {
	log.Infof("kiro-gateway %s starting, %d account(s) loaded", version, manager.Len())
	if manager.Len() == 0 {
		log.Warn("no accounts configured; run with --login or --import-cli")
	}

	tracker := usage.NewTracker(manager, util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 30 * time.Second}))
	upstreamClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: cfg.RequestTimeout()})
	dispatcher := gateway.NewDispatcher(manager, oidc, tracker, upstreamClient, gateway.Options{
		MaxRetries:     cfg.RateLimitMaxRetries,
		RetryDelay:     cfg.RetryDelay(),
		RequestTimeout: cfg.RequestTimeout(),
		ThinkingBudget: cfg.ThinkingBudgetTokens,
		UsageTracking:  cfg.UsageTracking(),
	})

	metrics.RegisterAccountGauges(manager.Len, func() int {
		now := time.Now().UnixMilli()
		n := 0
		for _, acc := range manager.Accounts() {
			if acc.Available(now) {
				n++
			}
		}
		return n
	})

	if cfg.ProactiveRefresh() {
		refresher := refresh.New(manager, oidc,
			refresh.WithInterval(cfg.RefreshInterval()),
			refresh.WithBuffer(cfg.RefreshBuffer()),
			refresh.WithOnRefreshed(func(*account.Account) {
				metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
			}),
		)
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	if cfg.UsageTracking() {
		go func() {
			syncCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			tracker.SyncAll(syncCtx)
		}()
	}

	// Live config edits adjust the log level; strategy, retry policy, and
	// the listen address need a restart.
	if err := config.Watch(ctx, projectDir, func(next *config.Config) {
		if next.DebugEnabled() {
			logging.SetLogLevel("debug")
		} else {
			logging.SetLogLevel("info")
		}
	}); err != nil {
		log.Warnf("config: watch unavailable: %v", err)
	}

	server := api.NewServer(cfg, manager, dispatcher)
	if err := server.Start(ctx, addr); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Info("kiro-gateway stopped")
}
