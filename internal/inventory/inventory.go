// Package inventory is the thin "system inventory gathering" collaborator
// named as out of scope in spec §1, plus a gopsutil-backed default that
// reports OS/CPU/memory facts filtered by the allow/deny glob configuration
// keys from spec §6.
package inventory

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/arkeep-io/crsagent/internal/config"
)

// Provider collects a snapshot of host facts to attach to a VMInstance at
// registration (spec §3, VMInstance.Inventory).
type Provider interface {
	Collect(ctx context.Context) (map[string]any, error)
}

// GopsutilProvider is the default Provider, backed by gopsutil.
type GopsutilProvider struct {
	envFilter GlobFilter
	sysFilter GlobFilter
}

// GlobFilter decides whether a key should be included in the collected
// inventory map.
type GlobFilter struct {
	allow []string
	deny  []string
}

func fromConfig(f config.GlobFilter) GlobFilter {
	return GlobFilter{allow: f.Allow, deny: f.Deny}
}

// Allowed reports whether key passes this filter: denied if it matches any
// deny glob, otherwise allowed only if there are no allow globs or it
// matches at least one.
func (f GlobFilter) Allowed(key string) bool {
	for _, pattern := range f.deny {
		if ok, _ := filepath.Match(pattern, key); ok {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, pattern := range f.allow {
		if ok, _ := filepath.Match(pattern, key); ok {
			return true
		}
	}
	return false
}

// New creates a GopsutilProvider using the inventory filter keys from cfg.
func New(cfg config.Config) *GopsutilProvider {
	return &GopsutilProvider{
		envFilter: fromConfig(cfg.InventoryEnvironment),
		sysFilter: fromConfig(cfg.InventorySystemProperty),
	}
}

// Collect gathers OS, CPU, and memory facts, applying the system.properties
// filter to each reported key.
func (p *GopsutilProvider) Collect(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)

	add := func(key string, value any) {
		if p.sysFilter.Allowed(key) {
			out[key] = value
		}
	}

	add("os.name", runtime.GOOS)
	add("os.arch", runtime.GOARCH)

	if info, err := host.InfoWithContext(ctx); err == nil {
		add("os.platform", info.Platform)
		add("os.platformVersion", info.PlatformVersion)
		add("host.uptimeSeconds", info.Uptime)
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		add("cpu.logicalCount", counts)
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		add("cpu.modelName", infos[0].ModelName)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		add("mem.totalBytes", vm.Total)
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if p.envFilter.Allowed(key) {
			out["env."+key] = value
		}
	}

	return out, nil
}
