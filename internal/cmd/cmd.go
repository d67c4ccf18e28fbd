// Package cmd is the WardenDNS entry point.  It contains the on-disk
// configuration file utilities, signal processing logic, and so on.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"runtime"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/sentryutil"
	"github.com/WardenTeam/WardenDNS/internal/metrics"
	"github.com/WardenTeam/WardenDNS/internal/version"
	"golang.org/x/sys/unix"
)

// Main is the entry point of application.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)

	envs, err := parseEnvironment()
	exitOnError(statusConfigFailure, err)
	exitOnError(statusConfigFailure, envs.Validate())

	// Don't check the error, because the verbosity is validated.
	lvl := errors.Must(slogutil.VerbosityToLevel(envs.Verbosity))
	baseLogger := slogutil.New(&slogutil.Config{
		// Don't use [slogutil.NewFormat] here, because the value is validated.
		Format:       slogutil.Format(envs.LogFormat),
		AddTimestamp: bool(envs.LogTimestamp),
		Level:        lvl,
	})

	sentryutil.SetDefaultLogger(baseLogger, "")

	mainLogger := baseLogger.With(slogutil.KeyPrefix, "main")

	// Signal service startup now that we have the logs set up.
	branch := version.Branch()
	commitTime := version.CommitTime()
	buildVersion := version.Version()
	revision := version.Revision()
	mainLogger.InfoContext(
		ctx,
		"wardend starting",
		"version", buildVersion,
		"revision", revision,
		"branch", branch,
		"commit_time", commitTime,
	)

	errColl, err := envs.buildErrColl(baseLogger)
	fatalOnError(ctx, mainLogger, statusConfigFailure, err)

	defer reportPanics(ctx, errColl, mainLogger)

	c, err := parseConfig(envs.ConfPath)
	fatalOnError(ctx, mainLogger, statusConfigFailure, err)

	fatalOnError(ctx, mainLogger, statusConfigFailure, c.Validate())

	// Building and running the server

	b := newBuilder(&builderConfig{
		envs:       envs,
		conf:       c,
		baseLogger: baseLogger,
		errColl:    errColl,
	})

	fatalOnError(
		ctx,
		mainLogger,
		statusConfigFailure,
		metrics.SetAdditionalInfo(b.promRegisterer, c.AdditionalMetricsInfo),
	)

	fatalOnError(ctx, mainLogger, statusStorageFailure, b.initStorage(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initMsgConstructor(ctx))

	fatalOnError(ctx, mainLogger, statusStorageFailure, b.initFilter(ctx))

	fatalOnError(ctx, mainLogger, statusStorageFailure, b.initZones(ctx))

	fatalOnError(ctx, mainLogger, statusStorageFailure, b.initQueryLog(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initUpstream(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initValidator(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initDNSCrypt(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initRateLimiter(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initCache(ctx))

	fatalOnError(ctx, mainLogger, statusConfigFailure, b.initDNSService(ctx))

	fatalOnError(ctx, mainLogger, statusBindFailure, b.initTransferServer(ctx))

	fatalOnError(ctx, mainLogger, statusStorageFailure, b.initWardenSvc(ctx))

	fatalOnError(ctx, mainLogger, statusBindFailure, b.startDNSServers(ctx))

	b.mustInitDebugSvc(ctx)

	// Signal that the server is started.
	errors.Check(metrics.SetUpGauge(
		b.promRegisterer,
		buildVersion,
		branch,
		commitTime,
		revision,
		runtime.Version(),
	))

	// Unregister the signal behavior for ctx.
	stop()
	ctx = context.WithoutCancel(ctx)

	os.Exit(b.handleSignals(ctx))
}
