package wardensvc

import (
	"context"
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/WardenTeam/WardenDNS/internal/storage"
)

// blockingDisabledForever is the persisted marker for an indefinite blocking
// pause.
const blockingDisabledForever = "forever"

// ReloadBlocklist recompiles the filtering engine from storage and flushes
// the response cache, since cached answers may now be stale with respect to
// the new rules.
func (svc *Service) ReloadBlocklist(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "reloading blocklist: %w") }()

	err = svc.filter.Refresh(ctx)
	if err != nil {
		return err
	}

	svc.ClearCache()

	svc.logger.InfoContext(ctx, "blocklist reloaded", "rules", svc.filter.RulesCount())

	return nil
}

// ClearCache removes every cached response.
func (svc *Service) ClearCache() {
	if svc.cache != nil {
		svc.cache.Clear()
	}
}

// SetBlockingDisabled pauses blocklist matching.  A nil duration pauses it
// until [Service.SetBlockingEnabled] is called; otherwise matching resumes
// itself once the duration passes.  The state is persisted so that it
// survives a restart.  until is the re-enable deadline, zero when the pause
// is indefinite.
func (svc *Service) SetBlockingDisabled(
	ctx context.Context,
	d *time.Duration,
) (until time.Time, err error) {
	defer func() { err = errors.Annotate(err, "disabling blocking: %w") }()

	stored := blockingDisabledForever
	if d != nil {
		until = svc.clock.Now().Add(*d)
		stored = until.Format(time.RFC3339)
	}

	err = svc.store.SetSetting(ctx, storage.SettingBlockingDisabledUntil, stored)
	if err != nil {
		return time.Time{}, err
	}

	svc.filter.Disable(until)

	svc.logger.InfoContext(ctx, "blocking disabled", "until", stored)

	return until, nil
}

// SetBlockingEnabled resumes blocklist matching.
func (svc *Service) SetBlockingEnabled(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "enabling blocking: %w") }()

	err = svc.store.SetSetting(ctx, storage.SettingBlockingDisabledUntil, "")
	if err != nil {
		return err
	}

	svc.filter.Enable()

	svc.logger.InfoContext(ctx, "blocking enabled")

	return nil
}

// BlockingDisabled reports whether blocking is currently paused and, if it
// is, the re-enable deadline.
func (svc *Service) BlockingDisabled() (disabled bool, until time.Time) {
	return svc.filter.Disabled()
}

// RestoreBlockingState reapplies a persisted blocking pause after a restart.
// Expired deadlines are cleared.
func (svc *Service) RestoreBlockingState(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "restoring blocking state: %w") }()

	stored, err := svc.store.Setting(ctx, storage.SettingBlockingDisabledUntil)
	if err != nil {
		return err
	}

	switch stored {
	case "":
		return nil
	case blockingDisabledForever:
		svc.filter.Disable(time.Time{})

		return nil
	}

	until, err := time.Parse(time.RFC3339, stored)
	if err != nil {
		return fmt.Errorf("bad stored deadline %q: %w", stored, err)
	}

	if svc.clock.Now().Before(until) {
		svc.filter.Disable(until)

		return nil
	}

	return svc.store.SetSetting(ctx, storage.SettingBlockingDisabledUntil, "")
}
