package config

import (
	"sort"
	"strings"

	logx "newsletter/pkg/logx"
)

// restartSections cannot be applied live.
var restartSections = map[string]bool{
	"storage":     true,
	"queue":       true, // backend/redis only; workers are applied live
	"http":        true,
	"credentials": true,
}

// SummarizeConfigChange returns (1) a compact sorted list of changed sections
// and (2) safe structured attrs for logging. Secrets (passwords, tokens,
// DSNs, redis URLs) are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if hashJSON(oldCfg.Logging) != hashJSON(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if hashJSON(oldCfg.Storage) != hashJSON(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if hashJSON(oldCfg.Queue) != hashJSON(newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.backend", strings.TrimSpace(newCfg.Queue.Backend)),
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.queue_size", newCfg.Queue.QueueSize),
			logx.String("queue.job_timeout", strings.TrimSpace(newCfg.Queue.JobTimeout)),
			logx.Bool("queue.redis_url_set", strings.TrimSpace(newCfg.Queue.RedisURL) != ""),
		)
	}

	if hashJSON(oldCfg.Retry) != hashJSON(newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.String("retry.strategy", strings.TrimSpace(newCfg.Retry.Default.Strategy)),
			logx.String("retry.delay", strings.TrimSpace(newCfg.Retry.Default.Delay)),
			logx.Int("retry.channel_overrides", len(newCfg.Retry.Channels)),
		)
	}

	o, n := oldCfg.Channels, newCfg.Channels
	if hashJSON(o.Email) != hashJSON(n.Email) {
		changed = append(changed, "channels.email")
		attrs = append(attrs,
			logx.Bool("email.enabled", n.Email.Enabled),
			logx.String("email.host", strings.TrimSpace(n.Email.Host)),
			logx.Int("email.port", n.Email.Port),
			logx.Bool("email.password_set", n.Email.Password != ""),
			logx.Any("email.rate_per_sec", n.Email.Limit.RatePerSec),
		)
	}
	if hashJSON(o.SMS) != hashJSON(n.SMS) {
		changed = append(changed, "channels.sms")
		attrs = append(attrs,
			logx.Bool("sms.enabled", n.SMS.Enabled),
			logx.String("sms.base_url", strings.TrimSpace(n.SMS.BaseURL)),
			logx.Any("sms.rate_per_sec", n.SMS.Limit.RatePerSec),
		)
	}
	if hashJSON(o.Chat) != hashJSON(n.Chat) {
		changed = append(changed, "channels.chat")
		attrs = append(attrs,
			logx.Bool("chat.enabled", n.Chat.Enabled),
			logx.Bool("chat.telegram_enabled", n.Chat.Telegram.Enabled),
			logx.Bool("chat.telegram_token_set", n.Chat.Telegram.Token != ""),
			logx.Bool("chat.whatsapp_from_set", n.Chat.WhatsAppFrom != ""),
		)
	}

	if hashJSON(oldCfg.Credentials) != hashJSON(newCfg.Credentials) {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Bool("credentials.token_url_set", strings.TrimSpace(newCfg.Credentials.TokenURL) != ""),
			logx.Bool("credentials.static_token_set", newCfg.Credentials.StaticToken != ""),
			logx.Int("credentials.scopes", len(newCfg.Credentials.Scopes)),
		)
	}

	if hashJSON(oldCfg.Scheduler) != hashJSON(newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sweep", strings.TrimSpace(newCfg.Scheduler.Sweep)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if hashJSON(oldCfg.HTTP) != hashJSON(newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// Token changes count, but only as set/unset.
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oOps.Token, nOps.Token = boolStr(oOps.Token != ""), boolStr(nOps.Token != "")
	if hashJSON(oOps) != hashJSON(nOps) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.String("ops.pprof_prefix", strings.TrimSpace(newCfg.Ops.PprofPrefix)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "set"
	}
	return ""
}
