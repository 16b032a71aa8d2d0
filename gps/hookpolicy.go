package gps

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// defaultHookDenylist are map applications whose WiFi scans are always intercepted
var defaultHookDenylist = []string{
	"com.baidu.BaiduMap",
	"com.autonavi.minimap",
	"com.tencent.map",
	"com.google.android.apps.maps",
}

// locationKeywords mark a package as location-sensitive when it is on neither list
var locationKeywords = []string{"map", "location", "gps", "navigation", "baidu", "amap", "tencent"}

// HookPolicyConfig is the serializable form of a HookPolicy
type HookPolicyConfig struct {
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	DetailedLog bool     `json:"detailed_log" mapstructure:"detailed_log"`
	Allow       []string `json:"allow" mapstructure:"allow"`
	Deny        []string `json:"deny" mapstructure:"deny"`
}

// DefaultHookPolicyConfig enables interception with the built-in deny-list
func DefaultHookPolicyConfig() HookPolicyConfig {
	return HookPolicyConfig{
		Enabled: true,
		Deny:    append([]string(nil), defaultHookDenylist...),
	}
}

// HookPolicy decides whether a package's WiFi scan results should be
// replaced. It is safe for concurrent use.
type HookPolicy struct {
	mu          sync.RWMutex
	enabled     bool
	detailedLog bool
	allow       map[string]struct{}
	deny        map[string]struct{}
	logger      logging.Logger
}

// NewHookPolicy builds a policy from cfg
func NewHookPolicy(cfg HookPolicyConfig, logger logging.Logger) *HookPolicy {
	if logger == nil {
		logger = logging.Noop()
	}
	p := &HookPolicy{logger: logger.With(logging.String("component", "wifi-hook"))}
	p.apply(cfg)
	return p
}

func (p *HookPolicy) apply(cfg HookPolicyConfig) {
	p.enabled = cfg.Enabled
	p.detailedLog = cfg.DetailedLog
	p.allow = toSet(cfg.Allow)
	p.deny = toSet(cfg.Deny)
}

// ShouldHook reports whether scans from pkg should be intercepted
func (p *HookPolicy) ShouldHook(pkg string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hook, reason := p.decideLocked(pkg)
	if p.detailedLog {
		p.logger.Debug(context.Background(), "wifi hook decision",
			logging.String("package", pkg),
			logging.Any("hook", hook),
			logging.String("reason", reason))
	}
	return hook
}

func (p *HookPolicy) decideLocked(pkg string) (bool, string) {
	if !p.enabled {
		return false, "disabled"
	}
	if _, ok := p.allow[pkg]; ok {
		return false, "allowlist"
	}
	if _, ok := p.deny[pkg]; ok {
		return true, "denylist"
	}
	lower := strings.ToLower(pkg)
	for _, kw := range locationKeywords {
		if strings.Contains(lower, kw) {
			return true, "keyword " + kw
		}
	}
	return false, "no match"
}

// SetEnabled turns interception on or off
func (p *HookPolicy) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	p.logger.Info(context.Background(), "wifi hook toggled", logging.Any("enabled", enabled))
}

// SetDetailedLog toggles per-decision logging
func (p *HookPolicy) SetDetailedLog(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailedLog = enabled
}

// Allow adds pkg to the allow-list
func (p *HookPolicy) Allow(pkg string) {
	p.mu.Lock()
	p.allow[pkg] = struct{}{}
	p.mu.Unlock()
	p.logger.Info(context.Background(), "package allowed", logging.String("package", pkg))
}

// Disallow removes pkg from the allow-list
func (p *HookPolicy) Disallow(pkg string) {
	p.mu.Lock()
	delete(p.allow, pkg)
	p.mu.Unlock()
	p.logger.Info(context.Background(), "package removed from allow-list", logging.String("package", pkg))
}

// Deny adds pkg to the deny-list
func (p *HookPolicy) Deny(pkg string) {
	p.mu.Lock()
	p.deny[pkg] = struct{}{}
	p.mu.Unlock()
	p.logger.Info(context.Background(), "package denied", logging.String("package", pkg))
}

// Undeny removes pkg from the deny-list
func (p *HookPolicy) Undeny(pkg string) {
	p.mu.Lock()
	delete(p.deny, pkg)
	p.mu.Unlock()
	p.logger.Info(context.Background(), "package removed from deny-list", logging.String("package", pkg))
}

// Config returns a sorted snapshot of the policy
func (p *HookPolicy) Config() HookPolicyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return HookPolicyConfig{
		Enabled:     p.enabled,
		DetailedLog: p.detailedLog,
		Allow:       fromSet(p.allow),
		Deny:        fromSet(p.deny),
	}
}

// Replace swaps the whole policy, e.g. after a config reload
func (p *HookPolicy) Replace(cfg HookPolicyConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply(cfg)
}

// Reset restores the default policy
func (p *HookPolicy) Reset() {
	p.Replace(DefaultHookPolicyConfig())
	p.logger.Info(context.Background(), "wifi hook policy reset")
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
