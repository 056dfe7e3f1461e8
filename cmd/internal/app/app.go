// Package app wires the sigpad kiosk runtime: config, logging, the local
// control surface, and the connection/workflow loops.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"sigpad/cmd/internal/connection"
	"sigpad/cmd/internal/device"
	"sigpad/cmd/internal/display"
	"sigpad/cmd/internal/gateway"
	"sigpad/cmd/internal/identity"
	"sigpad/cmd/internal/signing"
	"sigpad/cmd/internal/telemetry"
	"sigpad/cmd/internal/workflow"

	"golang.org/x/time/rate"
)

const loopStopTimeout = 5 * time.Second

// App is the kiosk runtime. An unregistered App, or one whose device key is
// unusable, serves the control surface and its permanent notice but never
// connects or runs sessions.
type App struct {
	cfg Config
	log Logger

	device   device.Identity
	disabled error
	metrics  *telemetry.Metrics
	board    *display.Board
	codes    *rate.Limiter

	flow *workflow.Workflow
	conn *connection.Manager

	startOnce sync.Once
	unsub     func()
}

// Option customizes App construction.
type Option func(*appOptions)

type appOptions struct {
	httpClient *http.Client
	metrics    *telemetry.Metrics
}

// WithHTTPClient overrides the client used for capability calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *appOptions) { o.httpClient = hc }
}

// WithMetrics overrides the telemetry registry (tests use one without runtime collectors).
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *appOptions) { o.metrics = m }
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := appOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.metrics == nil {
		o.metrics = telemetry.New(true)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: o.metrics,
		board:   display.NewBoard(time.Now),
		codes:   rate.NewLimiter(rate.Every(nonZeroDuration(cfg.CodeInterval, 500*time.Millisecond)), nonZeroInt(cfg.CodeBurst, 1)),
	}

	ident, err := device.Load(cfg.DeviceFile)
	if errors.Is(err, device.ErrUnregistered) {
		log.Warn("device.unregistered", "file", cfg.DeviceFile, "err", err)
		a.board.Notify(display.Notice{
			Level: display.LevelError,
			Title: "Unregistered",
			Text:  "This signature pad is not registered.",
		})
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	a.device = ident
	if _, err := ident.SigningKey(); err != nil {
		log.Error("device.key.unavailable", "pad_id", ident.PadID, "err", err)
		a.disabled = err
		a.board.Notify(display.Notice{
			Level: display.LevelError,
			Title: "Signing key unavailable",
			Text:  "This signature pad cannot sign captures.",
		})
		return a, nil
	}

	gw, err := gateway.New(cfg.ServerURL, ident.PadID,
		gateway.WithHTTPClient(o.httpClient),
		gateway.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	sink := display.Tee(display.NewLogSink(log), a.board)
	a.flow = workflow.New(workflow.Config{RequirePhotos: cfg.RequirePhotos}, workflow.Deps{
		Device:    ident,
		Resolver:  identity.NewResolver(gw, log),
		Photos:    gw,
		Cancels:   gw,
		Signer:    signing.NewSigner(ident),
		Submitter: signing.NewSubmitter(gw, log),
		Sink:      sink,
		Surface:   display.NewLogSurface(log),
		Metrics:   a.metrics,
		Log:       log,
	})

	a.conn = connection.New(connection.WSDialer{
		URL:              cfg.WSURL,
		PadID:            ident.PadID,
		HandshakeTimeout: cfg.HTTPTimeout,
	},
		connection.WithLogger(log),
		connection.WithMetrics(a.metrics),
		connection.WithHeartbeatCheck(cfg.HeartbeatEnabled),
	)

	return a, nil
}

// Registered reports whether the device file carries a valid pad id.
func (a *App) Registered() bool { return a.device.Registered() }

// Disabled returns the configuration error keeping a registered pad from
// running sessions, or nil.
func (a *App) Disabled() error { return a.disabled }

func (a *App) active() bool { return a.flow != nil }

// Start runs the workflow and connection loops until ctx is done.
// It is a no-op for an unregistered or disabled pad.
func (a *App) Start(ctx context.Context) {
	if !a.active() {
		return
	}
	a.startOnce.Do(func() {
		a.flow.Start(ctx)
		a.unsub = a.conn.Subscribe(a.flow.OnConnection)
		a.conn.Connect(ctx, a.flow.HandleRemote)
	})
}

// Handler is the local control surface with its middleware chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the loops and the control surface and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"registered", a.Registered(),
		"disabled", a.disabled != nil,
		"pad_id", a.device.PadID,
		"ws_url", a.cfg.WSURL,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	cancel()
	a.wait(loopStopTimeout)

	a.log.Info("server.stopped")
	return runErr
}

// wait blocks until both loops have stopped or d elapses.
func (a *App) wait(d time.Duration) {
	if !a.active() {
		return
	}
	if a.unsub != nil {
		a.unsub()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for _, done := range []<-chan struct{}{a.conn.Done(), a.flow.Done()} {
		select {
		case <-done:
		case <-timer.C:
			a.log.Warn("server.loops.stop_timeout")
			return
		}
	}
}

// runtimeBaseURL is the address operators open locally for a listen address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
