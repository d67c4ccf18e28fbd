package cmd

import (
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Default query log settings.
const (
	defaultQueryLogMaxBuffered   = 1024
	defaultQueryLogFlushIvl      = 30 * time.Second
	defaultQueryLogRetention     = 7 * timeutil.Day
	defaultQueryLogStreamBufLen  = 256
	defaultQueryLogPruneInterval = 1 * time.Hour
)

// queryLogConfig is the configuration of the query log.
type queryLogConfig struct {
	// MaxBuffered is the number of entries held in memory between flushes.
	MaxBuffered int `yaml:"max_buffered"`

	// StreamBuffer is the length of the live stream ring buffer.
	StreamBuffer int `yaml:"stream_buffer"`

	// FlushInterval is how often the buffered entries are flushed to
	// storage.
	FlushInterval timeutil.Duration `yaml:"flush_interval"`

	// Retention is for how long flushed entries are kept.
	Retention timeutil.Duration `yaml:"retention"`
}

// type check
var _ validate.Interface = (*queryLogConfig)(nil)

// Validate implements the [validate.Interface] interface for
// *queryLogConfig.
func (c *queryLogConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	return errors.Join(
		validate.NotNegative("max_buffered", c.MaxBuffered),
		validate.NotNegative("stream_buffer", c.StreamBuffer),
		validate.NotNegative("flush_interval", c.FlushInterval),
		validate.NotNegative("retention", c.Retention),
	)
}

// maxBuffered returns the configured buffer size or the default.  c may be
// nil.
func (c *queryLogConfig) maxBuffered() (n int) {
	if c == nil || c.MaxBuffered == 0 {
		return defaultQueryLogMaxBuffered
	}

	return c.MaxBuffered
}

// streamBufLen returns the configured stream buffer length or the default.
// c may be nil.
func (c *queryLogConfig) streamBufLen() (n int) {
	if c == nil || c.StreamBuffer == 0 {
		return defaultQueryLogStreamBufLen
	}

	return c.StreamBuffer
}

// flushIvl returns the configured flush interval or the default.  c may be
// nil.
func (c *queryLogConfig) flushIvl() (d time.Duration) {
	if c == nil || c.FlushInterval == 0 {
		return defaultQueryLogFlushIvl
	}

	return time.Duration(c.FlushInterval)
}

// retention returns the configured retention or the default.  c may be nil.
func (c *queryLogConfig) retention() (d time.Duration) {
	if c == nil || c.Retention == 0 {
		return defaultQueryLogRetention
	}

	return time.Duration(c.Retention)
}
