package config

import (
	"reflect"
	"sort"
	"strings"

	logx "broadcastd/pkg/logx"
)

// LiveSections are applied on hot reload without a restart.
var LiveSections = map[string]bool{
	"logging":      true,
	"dispatcher":   true,
	"retry":        true,
	"housekeeping": true,
}

// SummarizeChange returns the changed sections (sorted) and safe
// structured attrs for logging. Secrets (mirror password) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.concurrency", d.Concurrency),
			logx.String("dispatcher.strategy", d.Strategy),
			logx.Int("dispatcher.rate_per_sec", d.RatePerSec),
			logx.Int("dispatcher.history_size", d.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		r := newCfg.Retry
		changed = append(changed, "retry")
		maxRetries := -1
		if r.MaxRetries != nil {
			maxRetries = *r.MaxRetries
		}
		attrs = append(attrs,
			logx.String("retry.policy", r.Policy),
			logx.Int("retry.max_retries", maxRetries),
			logx.String("retry.delay", strings.TrimSpace(r.Delay)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oM, nM MirrorConfig
	if oldCfg.Mirror != nil {
		oM = *oldCfg.Mirror
	}
	if newCfg.Mirror != nil {
		nM = *newCfg.Mirror
	}
	if oM != nM {
		changed = append(changed, "mirror")
		attrs = append(attrs,
			logx.Bool("mirror.enabled", nM.Enabled),
			logx.String("mirror.addr", strings.TrimSpace(nM.Addr)),
			logx.Bool("mirror.password_set", nM.Password != ""),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
