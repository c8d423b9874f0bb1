package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/reception-service/internal/config"
	"qms/reception-service/internal/credentials"
	credpostgres "qms/reception-service/internal/credentials/postgres"
	"qms/reception-service/internal/httpapi"
	"qms/reception-service/internal/hub"
	"qms/reception-service/internal/logging"
	"qms/reception-service/internal/normalize"
	"qms/reception-service/internal/notify"
	"qms/reception-service/internal/realtime"
	"qms/reception-service/internal/store"
	"qms/reception-service/internal/telemetry"
	"qms/reception-service/internal/upstream"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "reception-service"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Reception desk queue synchronization",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(countersCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(actionCmd())
	return rootCmd
}

// deps is what every command needs to reach the queueing service.
type deps struct {
	cfg        *config.Config
	logger     zerolog.Logger
	normalizer *normalize.Normalizer
	creds      credentials.Provider
	sessions   *pgxpool.Pool
	closers    []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func (d *deps) client(notifier notify.Notifier) *upstream.Client {
	return upstream.NewClient(upstream.Options{
		BaseURL:     d.cfg.UpstreamURL,
		Timeout:     d.cfg.UpstreamTimeout(),
		Credentials: d.creds,
		Notifier:    notifier,
		Normalizer:  d.normalizer,
		Logger:      d.logger,
	})
}

func bootstrap(ctx context.Context, stderr io.Writer) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(stderr, serviceName, cfg.LogLevel, cfg.LogFormat)

	d := &deps{
		cfg:        cfg,
		logger:     logger,
		normalizer: normalize.New(normalize.Options{UnknownPatientName: cfg.UnknownPatientName}),
	}

	var chain credentials.Chain
	if cfg.AuthToken != "" {
		chain = append(chain, credentials.Static(cfg.AuthToken))
	}
	if cfg.AuthTokenFile != "" {
		chain = append(chain, credentials.File{Path: cfg.AuthTokenFile})
	}
	if cfg.SessionDatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.SessionDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("session db connect: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		d.sessions = pool
		if cfg.SessionUserID != "" {
			chain = append(chain, credpostgres.NewSessionProvider(pool, cfg.SessionUserID))
		}
	}
	d.creds = chain
	return d, nil
}

// deskVerifier checks desk callers against DESK_TOKENS and, when configured,
// the sessions table. It is nil when desk auth is disabled.
func (d *deps) deskVerifier() credentials.Verifier {
	if d.cfg.DeskAuthDisabled {
		return nil
	}
	var verifiers credentials.Verifiers
	if tokens := credentials.ParseTokens(d.cfg.DeskTokens); len(tokens) > 0 {
		verifiers = append(verifiers, tokens)
	}
	if d.sessions != nil {
		verifiers = append(verifiers, credpostgres.NewSessions(d.sessions))
	}
	return verifiers
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the desk API, the push endpoint and the counter subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, os.Stdout)
		},
	}
}

func runServer(ctx context.Context, logOut io.Writer) error {
	d, err := bootstrap(ctx, logOut)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.cfg.ValidateServe(); err != nil {
		return err
	}
	logger := d.logger

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    d.cfg.OTLPEndpoint,
		Insecure:    d.cfg.OTLPInsecure,
		SampleRatio: d.cfg.TraceSampleRatio,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	verifier := d.deskVerifier()
	if verifier == nil {
		logger.Warn().Msg("desk authentication disabled")
	}

	st := store.New()
	h := hub.New(hub.Options{Current: st.View, Verifier: verifier, Logger: logger})
	unsubscribe := st.Subscribe(h.PublishView)
	defer unsubscribe()

	desk := notify.NewDesk(h, logger)
	client := d.client(desk)
	manager := realtime.NewManager(realtime.Options{
		Fetcher: client,
		Dialer: &realtime.WebsocketDialer{
			URL:        d.cfg.RealtimeEndpoint(),
			Token:      client.Token,
			MinBackoff: d.cfg.ReconnectMin(),
			MaxBackoff: d.cfg.ReconnectMax(),
			Logger:     logger,
		},
		Store:      st,
		Normalizer: d.normalizer,
		Notifier:   desk,
		Logger:     logger,
	})

	api := httpapi.NewHandler(httpapi.Options{
		Subscription: manager,
		Upstream:     client,
		Views:        st,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: d.cfg.RateLimitPerMinute,
		IPBurst:     d.cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	api.Register(mux)
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		h.Serve(session)
	}))

	var handler http.Handler = mux
	if verifier != nil {
		handler = httpapi.AuthMiddleware(verifier, handler)
	}
	server := &http.Server{
		Addr:        ":" + d.cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(handler)), serviceName),
		ReadTimeout: 10 * time.Second,
		// No write timeout: sockjs streaming responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("upstream", d.cfg.UpstreamURL).Msg("reception-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if counterID := d.cfg.DefaultCounterID; counterID != "" {
		g.Go(func() error {
			if err := manager.Select(gctx, counterID); err != nil && gctx.Err() == nil {
				logger.Warn().Err(err).Str("counter_id", counterID).Msg("default counter not selected")
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Msg("reception-service stopped")
	return err
}

func countersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counters",
		Short: "List reception counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := bootstrap(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()
			counters, err := d.client(notify.NewDesk(nil, d.logger)).ListCounters(cmd.Context(), upstream.FetchOptions{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), counters)
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <counterId>",
		Short: "Fetch one counter's queue snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := bootstrap(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()
			snapshot, err := d.client(notify.NewDesk(nil, d.logger)).FetchSnapshot(cmd.Context(), args[0], upstream.FetchOptions{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snapshot)
		},
	}
}

func actionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "action <call-next|skip|open|checkout> <counterId>",
		Short:     "Send a counter command",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(upstream.ActionCallNext), string(upstream.ActionSkip), string(upstream.ActionOpen), string(upstream.ActionCheckout)},
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := upstream.ParseAction(args[0])
			if err != nil {
				return err
			}
			d, err := bootstrap(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()
			result, err := d.client(notify.NewDesk(nil, d.logger)).Act(cmd.Context(), action, args[1])
			if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
