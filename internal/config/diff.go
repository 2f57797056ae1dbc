package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or webhook URLs), and (3) the ids of accounts that changed (added, removed,
// or re-credentialed).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Storage (persistence)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Dispatch engine
	oD := derefDispatch(oldCfg.Dispatch)
	nD := derefDispatch(newCfg.Dispatch)
	oPresent := oldCfg.Dispatch != nil
	nPresent := newCfg.Dispatch != nil
	if oPresent != nPresent || !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "dispatch")

		enabledEffective := true
		enabledSet := false
		if newCfg.Dispatch != nil && newCfg.Dispatch.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.Dispatch.Enabled
		}

		attrs = append(attrs,
			logx.Bool("dispatch.present", nPresent),
			logx.Bool("dispatch.enabled", enabledEffective),
			logx.Bool("dispatch.enabled_set", enabledSet),
			logx.Int("dispatch.workers", nD.Workers),
			logx.Int("dispatch.queue_size", nD.QueueSize),
			logx.String("dispatch.tick_interval", strings.TrimSpace(nD.TickInterval)),
			logx.String("dispatch.send_timeout", strings.TrimSpace(nD.SendTimeout)),
			logx.Int("dispatch.max_concurrent_sends", nD.MaxConcurrentSends),
			logx.Int("dispatch.send_rate_per_sec", nD.SendRatePerSec),
			logx.Int("dispatch.retry_max", nD.RetryMax),
		)
	}

	// Notify (never log the operator account's credentials; account_id is safe)
	oN := derefNotify(oldCfg.Notify)
	nN := derefNotify(newCfg.Notify)
	if (oldCfg.Notify != nil) != (newCfg.Notify != nil) || !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.String("notify.account_id", strings.TrimSpace(nN.AccountID)),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
			logx.String("notify.dedup_window", strings.TrimSpace(nN.DedupWindow)),
		)
	}

	// Accounts (summarize only; credential values are hashed, never logged)
	accountsChanged := diffAccounts(oldCfg.Accounts, newCfg.Accounts)
	if len(accountsChanged) > 0 {
		changed = append(changed, "accounts")
		attrs = append(attrs,
			logx.Int("accounts.changed_count", len(accountsChanged)),
			logx.Int("accounts.total", len(newCfg.Accounts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, accountsChanged
}

func derefDispatch(d *DispatchConfig) DispatchConfig {
	if d == nil {
		return DispatchConfig{}
	}
	return *d
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func diffAccounts(oldA, newA []AccountConfig) []string {
	oldM := accountsByID(oldA)
	newM := accountsByID(newA)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK {
			out = append(out, id)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(o.Platform), strings.TrimSpace(n.Platform)) ||
			o.Name != n.Name ||
			credentialsHash(o.Credentials) != credentialsHash(n.Credentials) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func accountsByID(accs []AccountConfig) map[string]AccountConfig {
	m := make(map[string]AccountConfig, len(accs))
	for _, a := range accs {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			continue
		}
		m[id] = a
	}
	return m
}
