package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/WardenTeam/WardenDNS/internal/errcoll"
)

// Exit codes of the program.
const (
	statusSuccess        osutil.ExitCode = 0
	statusConfigFailure  osutil.ExitCode = 1
	statusBindFailure    osutil.ExitCode = 2
	statusStorageFailure osutil.ExitCode = 3
)

// exitOnError prints err to stderr and terminates the program with the given
// status if err is not nil.  It is only used before the logging is set up.
func exitOnError(status osutil.ExitCode, err error) {
	if err == nil {
		return
	}

	_, _ = fmt.Fprintf(os.Stderr, "wardend: %s\n", err)

	os.Exit(status)
}

// fatalOnError logs err and terminates the program with the given status if
// err is not nil.
func fatalOnError(ctx context.Context, l *slog.Logger, status osutil.ExitCode, err error) {
	if err == nil {
		return
	}

	l.ErrorContext(ctx, "fatal error", slogutil.KeyError, err)

	os.Exit(status)
}

// reportPanics reports all panics in Main.  It should be called in a defer.
func reportPanics(ctx context.Context, errColl errcoll.Interface, l *slog.Logger) {
	err := errors.FromRecovered(recover())
	if err == nil {
		return
	}

	l.ErrorContext(ctx, "recovered panic", slogutil.KeyError, err)
	slogutil.PrintStack(ctx, l, slog.LevelError)

	errColl.Collect(ctx, err)
	if fc, ok := errColl.(errcoll.ErrorFlushCollector); ok {
		fc.Flush()
	}

	os.Exit(osutil.ExitCodeFailure)
}
