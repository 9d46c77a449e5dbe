package cmd

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/habedi/convo/auth"
	"github.com/habedi/convo/client"
	"github.com/habedi/convo/config"
	"github.com/habedi/convo/db"
	"github.com/habedi/convo/netmon"
	"github.com/habedi/convo/session"
	"github.com/habedi/convo/store"
	"github.com/habedi/convo/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg     config.Config
	gdb     *gorm.DB
	api     *client.Client
	tokens  *auth.Manager
	session *session.Service
	monitor *netmon.Monitor
}

// openApp loads the configuration named by --config and wires everything from it.
func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return newApp(cfg)
}

func newApp(cfg config.Config) (*app, error) {
	gdb, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	tiers := store.NewTiers(store.NewPersistent(db.NewCredentialRepository(gdb)))

	api := client.New(cfg.BaseURL,
		client.WithEndpoints(cfg.Endpoints),
		client.WithRetryPolicy(cfg.RetryPolicy()),
		client.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		client.WithRateLimiter(client.NewRateLimiter(cfg.RequestsPerSec)),
		client.WithUserAgent("convo/"+version),
	)
	tokens := auth.NewManager(tiers, api, auth.WithLookAhead(cfg.RefreshLookAhead))
	api.SetTokenSource(tokens)

	monitor := netmon.New(
		[]netmon.Probe{{
			Name: "health",
			Check: func(ctx context.Context) error {
				_, err := api.Health(ctx)
				return err
			},
		}},
		netmon.WithInterval(cfg.Probe.Interval),
		netmon.WithTimeout(cfg.Probe.Timeout),
		netmon.WithLinkDetector(linkFor(cfg.BaseURL)),
	)

	return &app{
		cfg:     cfg,
		gdb:     gdb,
		api:     api,
		tokens:  tokens,
		session: session.New(api, tokens, tiers, session.WithVerify(cfg.VerifyOnCheck)),
		monitor: monitor,
	}, nil
}

// linkFor skips the interface check for a backend on the loopback interface, which is reachable without any link.
func linkFor(baseURL string) netmon.LinkDetector {
	u, err := url.Parse(baseURL)
	if err != nil {
		return netmon.InterfaceLink
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return func() (bool, string) { return true, "" }
	}
	return netmon.InterfaceLink
}

func (a *app) chatClient() *stream.Client {
	return stream.New(a.api, a.cfg.Endpoints.Chat,
		stream.WithReachability(a.monitor),
		stream.WithTokenValidator(a.tokens),
		stream.WithMaxRetries(a.cfg.StreamMaxRetries),
	)
}

func (a *app) Close() {
	a.tokens.CancelProactiveRefresh()
	if err := db.CloseDB(a.gdb); err != nil {
		log.Error().Err(err).Msg("Failed to close the database.")
	}
}
