package offgrid

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max ByteSize `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
		// MaxBodySize caps intercepted request bodies. Larger requests are
		// rejected, never forwarded or queued in part.
		MaxBodySize ByteSize `yaml:"maxBodySize"`
	} `yaml:"server"`

	Cache struct {
		Name        string   `yaml:"name"`
		Version     string   `yaml:"version"`
		Freshness   Duration `yaml:"freshness"`
		OfflinePage string   `yaml:"offlinePage"`
		// Precache is fetched atomically on install. Routes are appended to it
		// so top-level pages work offline before they are ever visited.
		Precache []string `yaml:"precache"`
		Routes   []string `yaml:"routes"`
	} `yaml:"cache"`

	Connectivity struct {
		ProbePath    string   `yaml:"probePath"`
		ProbeEvery   Duration `yaml:"probeEvery"`
		ProbeTimeout Duration `yaml:"probeTimeout"`
	} `yaml:"connectivity"`

	Sync struct {
		Every       Duration `yaml:"every"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"sync"`

	URLsDiscover struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    Duration `yaml:"initialDelay"`
		RediscoverEvery Duration `yaml:"rediscoverEvery"`
	} `yaml:"urlsDiscover"`

	Logging struct {
		LogStatsEvery      Duration `yaml:"logStatsEvery"`
		LogURLAutodiscover bool     `yaml:"logURLAutodiscover"`
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`

	origin *url.URL
}

// Defaults carried over from the deployed web app.
const (
	DefaultFreshness   = 24 * time.Hour
	DefaultOfflinePage = "/offline.html"
	DefaultCacheName   = "offgrid"
	DefaultVersion     = "v1"
	DefaultMaxBodySize = 10 << 20
)

var (
	DefaultPrecache = []string{"/", "/manifest.json", "/favicon.ico", "/logo192.png", "/logo512.png", DefaultOfflinePage}
	DefaultRoutes   = []string{"/about", "/contact", "/quote"}
)

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Bypass   bool   `yaml:"bypass"`
	Strategy string `yaml:"strategy"`

	// BypassWhenCookies skips the cache for requests carrying any of these
	// cookies, typically a session.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
	strategy Strategy
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// ByteSize is a yaml scalar like "64mb" or "1.5g".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	v, err := parseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

// Duration is a yaml scalar accepted by time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "read %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid config")
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("server.origin must be an absolute http(s) URL, got %q", cfg.Server.Origin)
	}
	cfg.origin = u
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__offgrid"
	}
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = DefaultMaxBodySize
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.RAM.Max == 0 {
		cfg.Storage.RAM.Max = 64 << 20
	}
	if cfg.Storage.Disk.Max == 0 {
		cfg.Storage.Disk.Max = 1 << 30
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = DefaultCacheName
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultVersion
	}
	if cfg.Cache.Freshness == 0 {
		cfg.Cache.Freshness = Duration(DefaultFreshness)
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = DefaultOfflinePage
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = append([]string(nil), DefaultPrecache...)
	}
	if cfg.Cache.Routes == nil {
		cfg.Cache.Routes = append([]string(nil), DefaultRoutes...)
	}
	for i, p := range cfg.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.precache[%d]: %q is not root-relative", i, p)
		}
	}
	for i, p := range cfg.Cache.Routes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.routes[%d]: %q is not root-relative", i, p)
		}
	}

	if cfg.Connectivity.ProbePath == "" {
		cfg.Connectivity.ProbePath = "/"
	}
	if cfg.Connectivity.ProbeEvery == 0 {
		cfg.Connectivity.ProbeEvery = Duration(15 * time.Second)
	}
	if cfg.Connectivity.ProbeTimeout == 0 {
		cfg.Connectivity.ProbeTimeout = Duration(5 * time.Second)
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 8
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Strategy != "" {
			st, err := ParseStrategy(r.Strategy)
			if err != nil {
				return fmt.Errorf("rules[%d].strategy: %w", i, err)
			}
			r.strategy = st
		}
		if !r.Bypass && r.Strategy == "" && len(r.BypassWhenCookies) == 0 {
			return fmt.Errorf("rules[%d]: one of bypass, bypassWhenCookies or strategy is required", i)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// CacheName is the name of the generation this build installs.
func (cfg Config) CacheName() string {
	return cfg.Cache.Name + "-" + cfg.Cache.Version
}

// Manifest returns the precache list followed by the routes, deduplicated,
// always including the offline page.
func (cfg Config) Manifest() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(cfg.Cache.Precache)+len(cfg.Cache.Routes)+1)
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range cfg.Cache.Precache {
		add(p)
	}
	for _, p := range cfg.Cache.Routes {
		add(p)
	}
	add(cfg.Cache.OfflinePage)
	return out
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k':
			mult = 1 << 10
		case 'm':
			mult = 1 << 20
		case 'g':
			mult = 1 << 30
		}
		if mult > 1 {
			s = strings.TrimSpace(s[:n-1])
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
