// Package app builds the long-lived services of one crawl and runs it: the
// browser, the engine with its politeness policies, the CSP collector, the
// progress hub, and the report outputs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mostlyserious/csp-crawler/internal/api"
	"github.com/mostlyserious/csp-crawler/internal/clock/system"
	"github.com/mostlyserious/csp-crawler/internal/config"
	"github.com/mostlyserious/csp-crawler/internal/crawler"
	"github.com/mostlyserious/csp-crawler/internal/csp"
	collyfetcher "github.com/mostlyserious/csp-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/mostlyserious/csp-crawler/internal/fetcher/headless"
	rodfetcher "github.com/mostlyserious/csp-crawler/internal/fetcher/rod"
	"github.com/mostlyserious/csp-crawler/internal/id/uuid"
	"github.com/mostlyserious/csp-crawler/internal/logging"
	"github.com/mostlyserious/csp-crawler/internal/policy/ratelimit"
	"github.com/mostlyserious/csp-crawler/internal/progress"
	progresssinks "github.com/mostlyserious/csp-crawler/internal/progress/sinks"
	"github.com/mostlyserious/csp-crawler/internal/publisher"
	gcppublisher "github.com/mostlyserious/csp-crawler/internal/publisher/pubsub"
	"github.com/mostlyserious/csp-crawler/internal/report"
	"github.com/mostlyserious/csp-crawler/internal/storage"
	gcsstorage "github.com/mostlyserious/csp-crawler/internal/storage/gcs"
	localstorage "github.com/mostlyserious/csp-crawler/internal/storage/local"
	memorystorage "github.com/mostlyserious/csp-crawler/internal/storage/memory"
	pgstore "github.com/mostlyserious/csp-crawler/internal/storage/postgres"
	"github.com/mostlyserious/csp-crawler/internal/telemetry"
)

const (
	serviceName       = "csp-crawler"
	robotsTimeout     = 10 * time.Second
	publishTimeout    = 30 * time.Second
	collyFetchTimeout = 15 * time.Second
)

// RunRecorder keeps one row per finished run.
type RunRecorder interface {
	SaveRun(ctx context.Context, sum report.Summary, stats crawler.Stats) error
}

// Outcome is what a finished run produced.
type Outcome struct {
	Result  *crawler.Result
	Report  report.Report
	Summary report.Summary
	// MessageID is set when a completion notification was published.
	MessageID string
}

// Option overrides a dependency Build would otherwise construct.
type Option func(*App)

// WithLogger replaces the configured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithBrowser skips launching a browser driver.
func WithBrowser(b crawler.Browser) Option {
	return func(a *App) { a.browser = b }
}

// WithBlobStore replaces the configured report store.
func WithBlobStore(s storage.BlobStore) Option {
	return func(a *App) { a.blobStore = s }
}

// WithPublisher replaces the configured completion publisher.
func WithPublisher(p publisher.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithRunRecorder replaces the configured run history store.
func WithRunRecorder(r RunRecorder) Option {
	return func(a *App) { a.runs = r }
}

// WithConfirmer sets the pre-flight confirmation prompt.
func WithConfirmer(c crawler.Confirmer) Option {
	return func(a *App) { a.confirmer = c }
}

// WithRegisterer registers progress collectors somewhere other than the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithTracerProvider replaces the SDK tracer provider Build installs.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *App) { a.tracer = tp }
}

// WithPolicyWriter receives the rendered policy when output.path is empty.
func WithPolicyWriter(w io.Writer) Option {
	return func(a *App) { a.policyOut = w }
}

// WithStatusListener serves the status API on ln instead of metrics.addr.
func WithStatusListener(ln net.Listener) Option {
	return func(a *App) { a.statusLn = ln }
}

// App contains the dependencies of one crawl.
type App struct {
	cfg    config.Config
	core   crawler.Config
	logger *zap.Logger

	browser    crawler.Browser
	engine     *crawler.Engine
	collector  *csp.Collector
	hub        *progress.Hub
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	confirmer  crawler.Confirmer

	blobStore storage.BlobStore
	writer    *report.Writer
	publisher publisher.Publisher
	runs      RunRecorder
	template  *template.Template
	policyOut io.Writer
	statusLn  net.Listener

	closers []func(context.Context) error
}

// Build creates the application's dependencies for a crawl of baseURL. An
// empty baseURL uses crawler.base_url. The browser is launched last so a
// configuration error never leaves a browser process behind.
func Build(ctx context.Context, cfg config.Config, baseURL string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, core: cfg.Core(baseURL)}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.core.Validate(); err != nil {
		return nil, err
	}

	if a.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, logging.Quiet(cfg.Output.Quiet))
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		a.logger = logger
		a.closers = append(a.closers, func(context.Context) error {
			_ = logger.Sync()
			return nil
		})
	}

	if err := a.build(ctx); err != nil {
		if a.browser != nil && a.engine == nil {
			a.closers = append(a.closers, func(context.Context) error { return a.browser.Close() })
		}
		closeErr := a.Close(context.Background())
		if closeErr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if a.tracer == nil {
		tp, err := telemetry.InitTracerProvider(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
		a.closers = append(a.closers, tp.Shutdown)
	}

	if a.cfg.Output.Template != "" {
		tmpl, err := csp.LoadTemplate(a.cfg.Output.Template)
		if err != nil {
			return err
		}
		a.template = tmpl
	}

	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	writer, err := report.NewWriter(a.blobStore, a.cfg.Storage.Prefix, report.Format(a.cfg.Output.Format))
	if err != nil {
		return fmt.Errorf("report writer: %w", err)
	}
	a.writer = writer

	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(); err != nil {
		return err
	}
	if err := a.setupBrowser(); err != nil {
		return err
	}
	if err := a.setupEngine(); err != nil {
		return err
	}
	// The engine closes the browser when Run returns; this covers an App
	// that is closed without running.
	a.closers = append(a.closers, func(context.Context) error { return a.browser.Close() })
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.blobStore != nil {
		return nil
	}
	switch a.cfg.Storage.Provider {
	case storage.ProviderGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.blobStore = store
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case storage.ProviderMemory:
		a.blobStore = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory report storage")
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobStore = store
		a.logger.Debug("using local report storage", zap.String("path", a.cfg.Storage.BaseDir))
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.runs != nil {
		return nil
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Debug("no database DSN configured; run history disabled")
		return nil
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, Table: a.cfg.DB.Table})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.runs = store
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	if a.cfg.PubSub.Topic == "" {
		a.logger.Debug("no Pub/Sub topic configured; completion notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		Topic:     a.cfg.PubSub.Topic,
	})
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) setupProgress() error {
	var sinks []progress.Sink
	if !a.cfg.Output.Quiet {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinks = append(sinks, promSink)
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinks...)
	a.closers = append(a.closers, a.hub.Close)
	return nil
}

func (a *App) setupBrowser() error {
	if a.browser != nil {
		return nil
	}
	c := a.cfg.Crawler
	logger := a.logger.Named("browser")
	switch c.Driver {
	case config.DriverRod:
		b, err := rodfetcher.New(rodfetcher.Config{Headless: c.Headless, UserAgent: c.UserAgent, Bin: c.BrowserPath}, logger)
		if err != nil {
			return fmt.Errorf("rod browser init failed: %w", err)
		}
		a.browser = b
	case config.DriverColly:
		a.browser = collyfetcher.New(collyfetcher.Config{UserAgent: c.UserAgent, Timeout: collyFetchTimeout})
	default:
		b, err := headlessfetcher.NewChromedp(headlessfetcher.Config{Headless: c.Headless, UserAgent: c.UserAgent, ExecPath: c.BrowserPath}, logger)
		if err != nil {
			return fmt.Errorf("chromedp browser init failed: %w", err)
		}
		a.browser = b
	}
	a.logger.Info("browser ready", zap.String("driver", c.Driver), zap.Bool("headless", c.Headless))
	return nil
}

func (a *App) setupEngine() error {
	retry, err := crawler.NewRetryPolicy(a.cfg.Crawler.RetryBackoff)
	if err != nil {
		return err
	}
	a.collector = csp.NewCollector(crawler.Origin(a.core.BaseURL), a.logger)
	opts := []crawler.Option{
		crawler.WithLogger(a.logger.Named("crawler")),
		crawler.WithRobots(crawler.NewRobotsPolicy(
			a.cfg.Crawler.RespectRobots,
			a.cfg.Crawler.UserAgent,
			&http.Client{Timeout: robotsTimeout},
			a.logger.Named("robots"),
		)),
		crawler.WithRetryPolicy(retry),
		crawler.WithEmitter(a.hub),
		crawler.WithConfirmer(a.confirmer),
		crawler.WithClock(system.New()),
		crawler.WithIDGenerator(uuid.New()),
	}
	if rps := a.cfg.Crawler.MaxRequestsPerSecond; rps > 0 {
		opts = append(opts, crawler.WithRateLimiter(ratelimit.New(ratelimit.Config{RPS: rps, Burst: 1})))
	}
	engine, err := crawler.NewEngine(a.core, a.browser, telemetry.TraceHooks(a.collector, a.tracer), opts...)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.engine = engine
	return nil
}

// Snapshot reports the live state of the crawl.
func (a *App) Snapshot() crawler.Snapshot {
	return a.engine.Snapshot()
}

// Run crawls, then writes the report, records the run, publishes the
// completion notification and renders the suggested policy. A canceled ctx
// still produces a partial report.
func (a *App) Run(ctx context.Context) (*Outcome, error) {
	stopStatus, err := a.startStatusServer(ctx)
	if err != nil {
		return nil, err
	}
	defer stopStatus()

	res, err := a.engine.Run(ctx)
	if err != nil {
		return nil, err
	}

	findings := a.collector.Findings()
	policy := csp.BuildPolicy(findings, seedPolicy(findings, res))
	rep := report.New(*res, findings, policy)

	// Outputs run on their own context so an interrupted crawl still saves.
	outCtx := context.WithoutCancel(ctx)
	uri, err := a.writer.Write(outCtx, rep)
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	out := &Outcome{Result: res, Report: rep, Summary: rep.Summarize(uri)}
	a.logger.Info("report written", zap.String("run_id", res.RunID), zap.String("uri", uri))

	if a.runs != nil {
		if err := a.runs.SaveRun(outCtx, out.Summary, res.Stats); err != nil {
			a.logger.Warn("run store write failed", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}
	if a.publisher != nil {
		pubCtx, cancel := context.WithTimeout(outCtx, publishTimeout)
		id, err := a.publisher.Publish(pubCtx, out.Summary)
		cancel()
		if err != nil {
			a.logger.Warn("completion notification failed", zap.String("run_id", res.RunID), zap.Error(err))
		} else {
			out.MessageID = id
		}
	}

	if err := a.renderPolicy(findings, policy); err != nil {
		return out, err
	}
	return out, nil
}

// startStatusServer serves the status API for the duration of the run when
// a listener or metrics.addr is configured.
func (a *App) startStatusServer(ctx context.Context) (func(), error) {
	ln := a.statusLn
	if ln == nil {
		if a.cfg.Metrics.Addr == "" {
			return func() {}, nil
		}
		var err error
		ln, err = net.Listen("tcp", a.cfg.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", a.cfg.Metrics.Addr, err)
		}
	}
	srv := api.NewServer(a, a.logger.Named("api"))
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx, ln); err != nil {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (a *App) renderPolicy(findings csp.Findings, policy csp.Policy) error {
	w := a.policyOut
	if a.cfg.Output.Path != "" {
		path := filepath.Clean(a.cfg.Output.Path)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create policy output: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				a.logger.Warn("policy output close failed", zap.String("path", path), zap.Error(cerr))
			}
		}()
		w = f
	}
	if w == nil {
		w = os.Stdout
	}
	return csp.RenderPolicy(w, findings, policy, a.template)
}

// seedPolicy returns the enforced header policy the seed page already
// delivers, which the suggestion extends rather than replaces.
func seedPolicy(f csp.Findings, res *crawler.Result) csp.Policy {
	seed := crawler.NormalizeURL(res.Config.BaseURL)
	for _, p := range f.Pages {
		if p.URL == seed && len(p.Header) > 0 {
			return csp.ParsePolicy(p.Header[0])
		}
	}
	return nil
}

// Close releases every owned client in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
