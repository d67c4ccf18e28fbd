package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/contextutil"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/WardenTeam/WardenDNS/internal/debugsvc"
	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/cache"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/forward"
	dnssvcprom "github.com/WardenTeam/WardenDNS/internal/dnsserver/prometheus"
	"github.com/WardenTeam/WardenDNS/internal/dnsserver/ratelimit"
	"github.com/WardenTeam/WardenDNS/internal/dnssec"
	"github.com/WardenTeam/WardenDNS/internal/dnssvc"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
	"github.com/WardenTeam/WardenDNS/internal/filter"
	"github.com/WardenTeam/WardenDNS/internal/metrics"
	"github.com/WardenTeam/WardenDNS/internal/querylog"
	"github.com/WardenTeam/WardenDNS/internal/storage"
	"github.com/WardenTeam/WardenDNS/internal/wardensvc"
	"github.com/WardenTeam/WardenDNS/internal/zone"
	"github.com/WardenTeam/WardenDNS/internal/zone/xfer"
	"github.com/prometheus/client_golang/prometheus"
)

// Constants that define debug identifiers for the debug HTTP service.
const (
	debugIDFilter   = "filter"
	debugIDQueryLog = "querylog"
	debugIDUpstream = "upstream"
	debugIDZones    = "zones"
)

// shutdownTimeout is the default shutdown timeout for all services.
const shutdownTimeout = 5 * time.Second

// refrTimeout is the default timeout of a single scheduled refresh.
const refrTimeout = 1 * time.Minute

// builder contains the logic of configuring and combining together the
// entities of the server.
//
// NOTE:  Keep method definitions in the rough order in which they are
// intended to be called.
type builder struct {
	// The fields below are initialized immediately on construction.  Keep
	// them sorted.

	baseLogger     *slog.Logger
	conf           *configuration
	debugRefrs     debugsvc.Refreshers
	env            *environment
	errColl        errcoll.Interface
	logger         *slog.Logger
	mtrcNamespace  string
	promRegisterer prometheus.Registerer
	sigHdlr        *service.SignalHandler

	// The fields below are initialized later by calling the builder's
	// methods.  Keep them sorted.

	cacheMw     *cache.Middleware
	cloner      *dnsmsg.Cloner
	dcSrvConf   *dnsCryptServerConfig
	dnsSvc      *dnssvc.Service
	fltEngine   *filter.Engine
	fwdHandler  *forward.Handler
	keyring     *xfer.Keyring
	messages    *dnsmsg.Constructor
	queryLog    *querylog.Log
	qlStats     *querylog.Stats
	qlStream    *querylog.Stream
	rateLimitMw *ratelimit.Middleware
	srvMtrc     *dnssvcprom.ServerMetricsListener
	store       *storage.Store
	validator   *dnssec.Validator
	wardenSvc   *wardensvc.Service
	zones       *zone.Engine
}

// builderConfig contains the initial configuration for the builder.
type builderConfig struct {
	// envs contains the environment variables for the builder.  It must be
	// valid and must not be nil.
	envs *environment

	// conf contains the configuration from the configuration file for the
	// builder.  It must be valid and must not be nil.
	conf *configuration

	// baseLogger is used to create loggers for other entities.  It should
	// not have a prefix and must not be nil.
	baseLogger *slog.Logger

	// errColl is used to collect errors in the entities.  It must not be
	// nil.
	errColl errcoll.Interface
}

// newBuilder returns a new properly initialized builder.  c must not be nil.
func newBuilder(c *builderConfig) (b *builder) {
	return &builder{
		baseLogger:     c.baseLogger,
		conf:           c.conf,
		debugRefrs:     debugsvc.Refreshers{},
		env:            c.envs,
		errColl:        c.errColl,
		logger:         c.baseLogger.With(slogutil.KeyPrefix, "builder"),
		mtrcNamespace:  metrics.Namespace(),
		promRegisterer: prometheus.DefaultRegisterer,
		sigHdlr: service.NewSignalHandler(&service.SignalHandlerConfig{
			Logger:          c.baseLogger.With(slogutil.KeyPrefix, service.SignalHandlerPrefix),
			ShutdownTimeout: shutdownTimeout,
		}),
	}
}

// initStorage opens the SQLite database and applies the schema.
func (b *builder) initStorage(ctx context.Context) (err error) {
	b.store, err = storage.New(&storage.Config{
		Logger: b.baseLogger.With(slogutil.KeyPrefix, "storage"),
		Path:   b.env.StoragePath,
	})
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	b.sigHdlr.AddService(&storeCloser{store: b.store})

	b.logger.DebugContext(ctx, "initialized storage")

	return nil
}

// storeCloser adapts the database handle to [service.Interface] so that it
// participates in the ordered shutdown.
type storeCloser struct {
	store *storage.Store
}

// type check
var _ service.Interface = (*storeCloser)(nil)

// Start implements the [service.Interface] interface for *storeCloser.
func (c *storeCloser) Start(_ context.Context) (err error) {
	return nil
}

// Shutdown implements the [service.Interface] interface for *storeCloser.
func (c *storeCloser) Shutdown(_ context.Context) (err error) {
	return c.store.Close()
}

// initMsgConstructor initializes the response message constructor.
func (b *builder) initMsgConstructor(ctx context.Context) (err error) {
	b.cloner = dnsmsg.NewCloner(dnsmsg.EmptyClonerStat{})

	b.messages, err = dnsmsg.NewConstructor(b.conf.Filtering.toInternal(b.cloner))
	if err != nil {
		return fmt.Errorf("creating message constructor: %w", err)
	}

	b.logger.DebugContext(ctx, "initialized message constructor")

	return nil
}

// initFilter initializes the blocklist engine and performs the initial load.
// Later reloads happen through the admin surface and the debug refresher.
//
// [builder.initStorage] must be called before this method.
func (b *builder) initFilter(ctx context.Context) (err error) {
	fltMtrc, err := metrics.NewFilter(b.mtrcNamespace, b.promRegisterer)
	if err != nil {
		return fmt.Errorf("registering filter metrics: %w", err)
	}

	b.fltEngine = filter.NewEngine(&filter.EngineConfig{
		Logger:  b.baseLogger.With(slogutil.KeyPrefix, "filter"),
		Storage: b.store,
		Metrics: fltMtrc,
		Clock:   timeutil.SystemClock{},
	})

	err = b.fltEngine.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("initial filter load: %w", err)
	}

	b.debugRefrs[debugIDFilter] = b.fltEngine

	b.logger.DebugContext(ctx, "initialized filter")

	return nil
}

// initZones initializes the authoritative zone engine and performs the
// initial load.
//
// [builder.initStorage] must be called before this method.
func (b *builder) initZones(ctx context.Context) (err error) {
	b.zones = zone.NewEngine(&zone.EngineConfig{
		Logger:    b.baseLogger.With(slogutil.KeyPrefix, "zone"),
		Storage:   b.store,
		ExportDir: b.conf.Zones.exportDir(),
	})

	err = b.zones.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("initial zone load: %w", err)
	}

	b.debugRefrs[debugIDZones] = b.zones

	b.logger.DebugContext(ctx, "initialized zones")

	return nil
}

// initQueryLog initializes the query log, its periodic flushing, and the
// periodic pruning of old entries.
//
// [builder.initStorage] must be called before this method.
func (b *builder) initQueryLog(ctx context.Context) (err error) {
	qlMtrc, err := metrics.NewQueryLog(b.mtrcNamespace, b.promRegisterer)
	if err != nil {
		return fmt.Errorf("registering query log metrics: %w", err)
	}

	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	if err != nil {
		return fmt.Errorf("generating anonymization secret: %w", err)
	}

	qlConf := b.conf.QueryLog
	b.qlStream = querylog.NewStream(qlConf.streamBufLen())
	b.qlStats = querylog.NewStats()

	b.queryLog = querylog.New(&querylog.Config{
		Logger:      b.baseLogger.With(slogutil.KeyPrefix, "querylog"),
		Storage:     b.store,
		Metrics:     qlMtrc,
		Anonymizer:  querylog.NewAnonymizer(timeutil.SystemClock{}, secret, bool(b.env.PrivacyMode)),
		Stream:      b.qlStream,
		Stats:       b.qlStats,
		MaxBuffered: qlConf.maxBuffered(),
	})

	err = b.startRefresher(ctx, b.queryLog, "querylog_flush", qlConf.flushIvl(), true)
	if err != nil {
		return fmt.Errorf("starting query log flusher: %w", err)
	}

	pruner := &queryLogPruner{
		store:     b.store,
		retention: qlConf.retention(),
	}

	err = b.startRefresher(ctx, pruner, "querylog_prune", defaultQueryLogPruneInterval, false)
	if err != nil {
		return fmt.Errorf("starting query log pruner: %w", err)
	}

	b.debugRefrs[debugIDQueryLog] = b.queryLog

	b.logger.DebugContext(ctx, "initialized query log")

	return nil
}

// queryLogPruner deletes flushed query log entries older than the retention
// period.
type queryLogPruner struct {
	store     *storage.Store
	retention time.Duration
}

// type check
var _ service.Refresher = (*queryLogPruner)(nil)

// Refresh implements the [service.Refresher] interface for *queryLogPruner.
func (p *queryLogPruner) Refresh(ctx context.Context) (err error) {
	_, err = p.store.PruneQueries(ctx, time.Now().Add(-p.retention))

	return err
}

// initUpstream initializes the forwarding handler from the environment, the
// configuration file, and the stored conditional-forwarding rules.
//
// [builder.initStorage] must be called before this method.
func (b *builder) initUpstream(ctx context.Context) (err error) {
	fwdMtrc, err := dnssvcprom.NewForwardMetricsListener(
		b.mtrcNamespace,
		b.promRegisterer,
		len(b.env.UpstreamDNS)+1,
	)
	if err != nil {
		return fmt.Errorf("registering forward metrics: %w", err)
	}

	rules, err := storedForwardingRules(ctx, b.store)
	if err != nil {
		// Routes can be rebuilt later through the admin surface.
		errcoll.Collect(ctx, b.errColl, b.logger, "reading forwarding rules", err)
	}

	fwdConf := b.conf.Upstream.toInternal(
		b.baseLogger.With(slogutil.KeyPrefix, "forward"),
		fwdMtrc,
		b.env,
		rules,
	)

	b.fwdHandler, err = forward.NewHandler(fwdConf)
	if err != nil {
		return fmt.Errorf("creating forwarding handler: %w", err)
	}

	if fwdConf.Healthcheck != nil && fwdConf.Healthcheck.Enabled {
		hcIvl := fwdConf.Healthcheck.BackoffDuration
		if hcIvl <= 0 {
			hcIvl = 30 * time.Second
		}

		err = b.startRefresher(ctx, b.fwdHandler, "upstream_healthcheck", hcIvl, false)
		if err != nil {
			return fmt.Errorf("starting upstream healthcheck: %w", err)
		}

		b.debugRefrs[debugIDUpstream] = b.fwdHandler
	}

	b.logger.DebugContext(ctx, "initialized upstream")

	return nil
}

// initValidator initializes the DNSSEC validator if it is enabled.
//
// [builder.initUpstream] must be called before this method.
func (b *builder) initValidator(ctx context.Context) (err error) {
	if !b.env.DNSSECValidation {
		return nil
	}

	b.validator = dnssec.New(&dnssec.Config{
		Logger:          b.baseLogger.With(slogutil.KeyPrefix, "dnssec"),
		Fetcher:         dnssvc.NewHandlerFetcher(b.fwdHandler),
		Clock:           timeutil.SystemClock{},
		Anchors:         dnssec.RootAnchors(),
		ChainValidation: bool(b.env.DNSSECChainValidation),
	})

	b.logger.DebugContext(ctx, "initialized validator")

	return nil
}

// initDNSCrypt loads the DNSCrypt certificate if the listener is enabled.
func (b *builder) initDNSCrypt(ctx context.Context) (err error) {
	b.dcSrvConf, err = b.conf.DNSCrypt.toInternal()
	if err != nil {
		return fmt.Errorf("dnscrypt: %w", err)
	}

	if b.dcSrvConf != nil {
		b.logger.DebugContext(ctx, "initialized dnscrypt")
	}

	return nil
}

// initRateLimiter initializes the rate limiting middleware.
func (b *builder) initRateLimiter(ctx context.Context) (err error) {
	rlMtrc, err := dnssvcprom.NewRateLimitMetricsListener(b.mtrcNamespace, b.promRegisterer)
	if err != nil {
		return fmt.Errorf("registering ratelimit metrics: %w", err)
	}

	tb := ratelimit.NewTokenBucket(b.conf.RateLimit.toInternal(b.env))

	b.rateLimitMw, err = ratelimit.NewMiddleware(tb, nil)
	if err != nil {
		return fmt.Errorf("creating ratelimit middleware: %w", err)
	}

	b.rateLimitMw.Metrics = rlMtrc

	b.logger.DebugContext(ctx, "initialized ratelimiter")

	return nil
}

// initCache initializes the response cache middleware if it is enabled.
func (b *builder) initCache(ctx context.Context) (err error) {
	if !b.env.CacheEnabled {
		return nil
	}

	cacheMtrc, err := dnssvcprom.NewCacheMetricsListener(b.mtrcNamespace, b.promRegisterer)
	if err != nil {
		return fmt.Errorf("registering cache metrics: %w", err)
	}

	b.cacheMw = cache.NewMiddleware(b.conf.Cache.toInternal(
		b.baseLogger.With(slogutil.KeyPrefix, "cache"),
		cacheMtrc,
		b.env,
	))

	b.logger.DebugContext(ctx, "initialized cache")

	return nil
}

// initDNSService composes the resolving pipeline.
//
// The following methods must be called before this one:
//   - [builder.initCache]
//   - [builder.initFilter]
//   - [builder.initMsgConstructor]
//   - [builder.initQueryLog]
//   - [builder.initRateLimiter]
//   - [builder.initUpstream]
//   - [builder.initValidator]
//   - [builder.initZones]
func (b *builder) initDNSService(ctx context.Context) (err error) {
	b.dnsSvc = dnssvc.New(&dnssvc.Config{
		Logger:      b.baseLogger.With(slogutil.KeyPrefix, "dnssvc"),
		Messages:    b.messages,
		Filter:      b.fltEngine,
		Zones:       b.zones,
		Validator:   b.validator,
		QueryLog:    b.queryLog,
		Upstream:    b.fwdHandler,
		Cache:       b.cacheMw,
		RateLimiter: b.rateLimitMw,
		ErrColl:     b.errColl,
		Timeout:     b.conf.DNS.handleTimeout(),
	})

	b.logger.DebugContext(ctx, "initialized dns service")

	return nil
}

// initWardenSvc initializes the admin operations surface and restores the
// persisted blocking pause.
//
// [builder.initDNSService] and [builder.initTransferServer] must be called
// before this method.
func (b *builder) initWardenSvc(ctx context.Context) (err error) {
	b.wardenSvc = wardensvc.New(&wardensvc.Config{
		Logger: b.baseLogger.With(slogutil.KeyPrefix, "wardensvc"),
		Store:  b.store,
		Filter: b.fltEngine,
		Zones:  b.zones,
		DNS:    b.dnsSvc,
		Cache:  b.cacheMw,
		Keys:   b.keyring,
		Stream: b.qlStream,
		Stats:  b.qlStats,
		Clock:  timeutil.SystemClock{},
	})

	err = b.wardenSvc.RestoreBlockingState(ctx)
	if err != nil {
		return fmt.Errorf("restoring blocking state: %w", err)
	}

	b.logger.DebugContext(ctx, "initialized warden service")

	return nil
}

// initTransferServer initializes and starts the zone maintenance server if
// it is enabled.  The TSIG keyring is compiled from storage even when the
// server is disabled so that key edits through the admin surface stay
// consistent.
//
// [builder.initZones] must be called before this method.
func (b *builder) initTransferServer(ctx context.Context) (err error) {
	keys, err := b.store.TSIGKeys(ctx)
	if err != nil {
		return fmt.Errorf("reading tsig keys: %w", err)
	}

	b.keyring, err = xfer.NewKeyring(keys)
	if err != nil {
		return fmt.Errorf("compiling tsig keyring: %w", err)
	}

	addr, ok := b.conf.Zones.transferEnabled()
	if !ok {
		return nil
	}

	logger := b.baseLogger.With(slogutil.KeyPrefix, "xfer")
	srv := xfer.NewServer(&xfer.ServerConfig{
		Logger: logger,
		Handler: xfer.NewHandler(&xfer.HandlerConfig{
			Logger: logger,
			Zones:  b.zones,
			Keys:   b.keyring,
		}),
		Keys: b.keyring,
		Addr: addr,
	})

	err = srv.Start(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("starting zone maintenance server: %w", err)
	}

	b.sigHdlr.AddService(srv)

	b.logger.DebugContext(ctx, "initialized transfer server")

	return nil
}

// mustInitDebugSvc initializes, starts, and registers the debug service.
// The debug HTTP service is considered critical, so it panics instead of
// returning an error.
//
// All other init methods must be called before this one.
func (b *builder) mustInitDebugSvc(ctx context.Context) {
	debugSvcConf := b.env.debugConf(b.baseLogger)
	debugSvcConf.Refreshers = b.debugRefrs
	if b.cacheMw != nil {
		debugSvcConf.Cache = b.cacheMw
	}

	debugSvc := debugsvc.New(debugSvcConf)

	// The debug HTTP service is considered critical, so its Start method
	// panics instead of returning an error.
	_ = debugSvc.Start(context.WithoutCancel(ctx))

	b.sigHdlr.AddService(debugSvc)

	b.logger.DebugContext(ctx, "initialized debug")
}

// startRefresher starts a periodic refresh job for refr and registers it in
// the signal handler.
func (b *builder) startRefresher(
	ctx context.Context,
	refr service.Refresher,
	prefix string,
	ivl time.Duration,
	refrOnShutdown bool,
) (err error) {
	worker := service.NewRefreshWorker(&service.RefreshWorkerConfig{
		ContextConstructor: contextutil.NewTimeoutConstructor(refrTimeout),
		ErrorHandler:       newSlogErrorHandler(b.baseLogger, prefix),
		Refresher:          refr,
		Schedule:           timeutil.NewConstSchedule(ivl),
		RefreshOnShutdown:  refrOnShutdown,
	})

	err = worker.Start(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("starting %s worker: %w", prefix, err)
	}

	b.sigHdlr.AddService(worker)

	return nil
}

// newSlogErrorHandler is a convenient wrapper around
// [service.NewSlogErrorHandler].
func newSlogErrorHandler(baseLogger *slog.Logger, prefix string) (h *service.SlogErrorHandler) {
	return service.NewSlogErrorHandler(
		baseLogger.With(slogutil.KeyPrefix, prefix),
		slog.LevelError,
		"refreshing",
	)
}

// handleSignals blocks and processes signals from the OS.  status is
// [osutil.ExitCodeSuccess] on success and [osutil.ExitCodeFailure] on error.
//
// handleSignals must not be called concurrently with any other methods.
func (b *builder) handleSignals(ctx context.Context) (code osutil.ExitCode) {
	return b.sigHdlr.Handle(ctx)
}
