package app

import (
	"context"
	"strings"

	"newsletter/internal/config"
	logx "newsletter/pkg/logx"
	"newsletter/pkg/systemd"
)

// reloadLoop applies published configs until ctx is done. Bursts coalesce to
// the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections into running components.
// newCfg has already passed validate.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if _, err := systemd.Reloading(); err != nil {
		a.log.Debug("systemd reloading notification failed", logx.Err(err))
	}

	restart := config.RestartRequired(sections)
	if channelsNeedRestart(oldCfg, newCfg) {
		restart = append(restart, "channels")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if lc := mapLoggingConfig(newCfg); a.logs.Apply(lc) != nil {
		a.log.Warn("log file unavailable", logx.String("path", lc.FilePath))
	}

	if engCfg, _, err := mapQueueConfig(newCfg); err == nil {
		a.engine.Apply(ctx, engCfg)
	}
	if policies, err := mapRetryPolicies(newCfg); err == nil {
		a.coord.SetRetryPolicies(policies)
	}
	a.senders.applyLimits(newCfg)
	if sc, err := mapSchedulerConfig(newCfg); err == nil {
		a.sched.Apply(ctx, sc)
	}
	if oc, err := mapOpsConfig(newCfg); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("systemd ready notification failed", logx.Err(err))
	}
}

// channelsNeedRestart reports channel changes other than rate limits.
// Senders are built once; only their throttles are live.
func channelsNeedRestart(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Channels, newCfg.Channels
	o.Email.Limit, n.Email.Limit = config.LimitConfig{}, config.LimitConfig{}
	o.SMS.Limit, n.SMS.Limit = config.LimitConfig{}, config.LimitConfig{}
	o.Chat.Limit, n.Chat.Limit = config.LimitConfig{}, config.LimitConfig{}
	return o != n
}
