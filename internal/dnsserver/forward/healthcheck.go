package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// refresh probes the upstreams.  shouldReport forces the metrics report
// even when no upstream changed status.
func (h *Handler) refresh(ctx context.Context, mustReport bool) (err error) {
	if len(h.fallbacks) == 0 {
		h.logger.DebugContext(ctx, "healthcheck: no fallbacks")

		return nil
	}

	err = h.healthcheck(ctx, mustReport)

	// Fallback status metrics only reflect whether the mains are up, there
	// is no per-fallback probe.
	for _, fb := range h.fallbacks {
		h.metrics.OnUpstreamStatusChanged(fb, false, err != nil)
	}

	return errors.Annotate(err, "forward: %w")
}

// randomPlaceholder marks where a random label goes in the healthcheck
// query domain, defeating caches along the path.
const randomPlaceholder = "${RANDOM}"

// healthcheck probes every main upstream, refreshing h's active set, and
// returns an error when all of them are down.
func (h *Handler) healthcheck(ctx context.Context, mustReport bool) (err error) {
	domain := h.hcDomainTmpl
	if strings.Contains(domain, randomPlaceholder) {
		randStr := strconv.FormatUint(h.rand.Uint64(), 16)
		domain = strings.ReplaceAll(domain, randomPlaceholder, randStr)
	}

	defer func() { err = errors.Annotate(err, "healthcheck: querying %q: %w", domain) }()

	req := newProbeReq(domain)

	if h.hcNetworkOverride != "" {
		ctx = withNetworkOverride(ctx, h.hcNetworkOverride)
		h.logger.Log(
			ctx,
			slogutil.LevelTrace,
			"overriding healthcheck protocol",
			"net", h.hcNetworkOverride,
		)
	}

	var activeUps []Upstream
	var errs []error
	for _, status := range h.upstreams {
		inBackoff, ckErr := h.healthcheckUpstream(ctx, status, req, mustReport)
		if inBackoff {
			continue
		} else if ckErr != nil {
			errs = append(errs, ckErr)
		} else {
			activeUps = append(activeUps, status.upstream)
		}
	}

	h.activeUpstreamsMu.Lock()
	defer h.activeUpstreamsMu.Unlock()

	h.activeUpstreams = activeUps

	if len(activeUps) == 0 {
		errs = append(errs, errors.Error("all main upstreams are down"))

		return errors.Join(errs...)
	}

	return nil
}

// newProbeReq returns the healthcheck query for domain.
func newProbeReq(domain string) (req *dns.Msg) {
	return &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               dns.Id(),
			RecursionDesired: true,
		},
		Question: []dns.Question{{
			Name:   dns.Fqdn(domain),
			Qtype:  dns.TypeA,
			Qclass: dns.ClassINET,
		}},
	}
}

// healthcheckUpstream queries ups once, recording the failure timestamp and
// metrics, and returns an error when the upstream is down.
func (h *Handler) healthcheckUpstream(
	ctx context.Context,
	upsStatus *upstreamStatus,
	req *dns.Msg,
	mustReport bool,
) (inBackoff bool, err error) {
	lastFailed := upsStatus.lastFailedHC()
	ups := upsStatus.upstream

	upsLogger := h.logger.With("addr", ups.String())
	if time.Since(lastFailed) < h.hcBackoff {
		// An upstream inside its backoff window stays out of rotation.
		upsLogger.DebugContext(ctx, "healthcheck: upstream in backoff")

		return true, nil
	}

	err = checkUpstream(ctx, ups, req)
	if err != nil {
		upsStatus.setLastFailedHC(time.Now())
	} else {
		upsStatus.setLastFailedHC(time.Time{})

		// A success also brings a failed-over upstream back into rotation.
		upsStatus.resetFailures()
	}

	h.reportChange(ctx, upsLogger, ups, err, lastFailed.IsZero(), mustReport)

	return false, errors.Annotate(err, "%s: upstream is down: %w", ups)
}

// reportChange records the upstream status in the metrics when it changed
// or when a report is forced, and logs every actual change.
func (h *Handler) reportChange(
	ctx context.Context,
	upsLogger *slog.Logger,
	ups Upstream,
	err error,
	wasUp bool,
	mustReport bool,
) {
	isUp := err == nil
	if wasUp != isUp || mustReport {
		h.metrics.OnUpstreamStatusChanged(ups, true, isUp)
	}

	if wasUp == isUp {
		return
	}

	if wasUp {
		upsLogger.ErrorContext(ctx, "healthcheck: upstream went down", slogutil.KeyError, err)
	} else {
		upsLogger.InfoContext(ctx, "healthcheck: upstream got up")
	}
}

// checkUpstream returns an error if the given upstream is not up.
func checkUpstream(ctx context.Context, ups Upstream, req *dns.Msg) (err error) {
	resp, _, err := ups.Exchange(ctx, req)
	if err != nil {
		return err
	} else if resp == nil {
		return ErrNoResponse
	}

	if rc := resp.Rcode; rc != dns.RcodeSuccess {
		var rcVal any
		if rcStr, ok := dns.RcodeToString[rc]; ok {
			rcVal = rcStr
		} else {
			rcVal = rc
		}

		return fmt.Errorf("non-success rcode: %v", rcVal)
	}

	return nil
}
