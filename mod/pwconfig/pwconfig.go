package pwconfig

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy"
	"github.com/sidcorp-team/pingwall/mod/tlscert"
)

var domainCaser = cases.Lower(language.Und)

/*
	pwconfig.go

	Loads and validates the YAML configuration file into an immutable
	Snapshot the core consumes for the rest of the process lifetime.
	Schema and validation live here deliberately, outside the core:
	the core only ever sees a fully resolved RouteEntry list and
	ListenerConfig list, never a raw config value.
*/

// Snapshot is the fully resolved, read-only configuration the core
// operates against for the process lifetime.
type Snapshot struct {
	MaxReqPerWindow     int
	RateLimitWindowSecs int
	BlockDurationSecs   int
	TimeoutSecs         int
	UseCloudflare       bool
	BlockURL            string
	APIKey              string
	MetricsPort         int

	Routes    []dynamicproxy.RouteEntry
	Listeners []dynamicproxy.ListenerConfig
}

type rawSSL struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

type rawDimRule struct {
	MaxReq            int
	WindowSecs        *int
	BlockDurationSecs *int
	extended          bool
}

// UnmarshalYAML accepts either a bare scalar ("US": 200) or the
// extended map form ({max_req, window_secs, block_duration_secs}).
func (d *rawDimRule) UnmarshalYAML(value *yaml.Node) error {
	var scalar int
	if err := value.Decode(&scalar); err == nil {
		d.MaxReq = scalar
		d.WindowSecs = nil
		d.BlockDurationSecs = nil
		d.extended = false
		return nil
	}

	var ext struct {
		MaxReq            int  `yaml:"max_req"`
		WindowSecs        *int `yaml:"window_secs"`
		BlockDurationSecs *int `yaml:"block_duration_secs"`
	}
	if err := value.Decode(&ext); err != nil {
		return fmt.Errorf("dimension limit must be a number or an object with max_req: %w", err)
	}
	d.MaxReq = ext.MaxReq
	d.WindowSecs = ext.WindowSecs
	d.BlockDurationSecs = ext.BlockDurationSecs
	d.extended = true
	return nil
}

// wasExtended reports whether this rule came from the extended map
// form, which changes the block_duration_secs default.
func (d *rawDimRule) wasExtended() bool {
	return d.extended
}

type rawAdvancedLimits struct {
	UserAgentLimits      map[string]rawDimRule `yaml:"user_agent_limits"`
	AsnLimits            map[string]rawDimRule `yaml:"asn_limits"`
	CountryLimits        map[string]rawDimRule `yaml:"country_limits"`
	BlockCountries       []string              `yaml:"block_countries"`
	ThreatScoreThreshold *int                  `yaml:"threat_score_threshold"`
}

type rawRouter struct {
	Path              string             `yaml:"path"`
	Upstream          string             `yaml:"upstream"`
	MaxReqPerWindow   *int               `yaml:"max_req_per_window"`
	BlockDurationSecs *int               `yaml:"block_duration_secs"`
	TimeoutSecs       *int               `yaml:"timeout_secs"`
	FollowDomain      bool               `yaml:"follow_domain"`
	AdvancedLimits    *rawAdvancedLimits `yaml:"advanced_limits"`
}

type rawDomain struct {
	Domain      string      `yaml:"domain"`
	TimeoutSecs *int        `yaml:"timeout_secs"`
	SSL         *rawSSL     `yaml:"ssl"`
	Routers     []rawRouter `yaml:"routers"`
}

type rawConfig struct {
	MaxReqPerWindow     int         `yaml:"max_req_per_window"`
	RateLimitWindowSecs int         `yaml:"rate_limit_window_secs"`
	BlockDurationSecs   int         `yaml:"block_duration_secs"`
	TimeoutSecs         int         `yaml:"timeout_secs"`
	UseCloudflare       bool        `yaml:"use_cloudflare"`
	BlockURL            string      `yaml:"block_url"`
	APIKey              string      `yaml:"api_key"`
	MetricsPort         int         `yaml:"metrics_port"`
	Domains             []rawDomain `yaml:"domains"`
	// Routes carries path-only routers (RouteEntry.Domain == nil),
	// applied across every domain. Not in the distilled schema but
	// present in the source this was distilled from as the legacy
	// top-level route list.
	Routes []rawRouter `yaml:"routes"`
}

func defaults() rawConfig {
	return rawConfig{
		MaxReqPerWindow:     60,
		RateLimitWindowSecs: 60,
		BlockDurationSecs:   300,
		TimeoutSecs:         30,
		MetricsPort:         9090,
		BlockURL:            "",
		APIKey:              "",
	}
}

// Load reads, parses, and resolves a YAML configuration file into an
// immutable Snapshot. All validation errors found are joined into a
// single error rather than stopping at the first one.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	var problems []string

	snap := &Snapshot{
		MaxReqPerWindow:     cfg.MaxReqPerWindow,
		RateLimitWindowSecs: cfg.RateLimitWindowSecs,
		BlockDurationSecs:   cfg.BlockDurationSecs,
		TimeoutSecs:         cfg.TimeoutSecs,
		UseCloudflare:       cfg.UseCloudflare,
		BlockURL:            cfg.BlockURL,
		APIKey:              cfg.APIKey,
		MetricsPort:         cfg.MetricsPort,
	}

	// Listeners are keyed by port, not by host:port: a single TLS
	// listener binds one port and holds every domain's certificate on
	// it, letting tlscert.Manager's exact->wildcard->default->fail-closed
	// SNI selection choose among them per handshake.
	listenerTLS := map[string]bool{}
	listenerCerts := map[string][]dynamicproxy.ListenerCert{}
	listenerHasTLSDomain := map[string]bool{}
	listenerHasPlainDomain := map[string]bool{}

	// path-only routes
	pathOnlySeen := map[string]bool{}
	for _, r := range cfg.Routes {
		route, errs := resolveRoute(nil, r, cfg, cfg.TimeoutSecs)
		problems = append(problems, errs...)
		if len(errs) == 0 {
			if pathOnlySeen[route.Path] {
				problems = append(problems, fmt.Sprintf("duplicate path-only route %q", route.Path))
			}
			pathOnlySeen[route.Path] = true
			snap.Routes = append(snap.Routes, route)
		}
	}

	for _, d := range cfg.Domains {
		if d.Domain == "" {
			problems = append(problems, "a domain entry is missing the required 'domain' field")
			continue
		}
		hasSSL := d.SSL != nil
		domainKey := normalizeDomainKey(d.Domain, hasSSL)
		domainTimeout := cfg.TimeoutSecs
		if d.TimeoutSecs != nil {
			domainTimeout = *d.TimeoutSecs
		}

		port := portOf(domainKey)
		if hasSSL {
			listenerTLS[port] = true
			listenerHasTLSDomain[port] = true
			certPEM, keyPEM, caPEM, errs := loadSSLFiles(*d.SSL)
			problems = append(problems, errs...)
			if len(errs) == 0 {
				listenerCerts[port] = append(listenerCerts[port], dynamicproxy.ListenerCert{
					Domain:  stripPort(domainKey),
					CertPEM: certPEM,
					KeyPEM:  keyPEM,
					CAPEM:   caPEM,
				})
			}
		} else {
			listenerHasPlainDomain[port] = true
			if _, exists := listenerTLS[port]; !exists {
				listenerTLS[port] = false
			}
		}

		domSeen := map[string]bool{}
		for _, r := range d.Routers {
			dk := domainKey
			route, errs := resolveRoute(&dk, r, cfg, domainTimeout)
			problems = append(problems, errs...)
			if len(errs) == 0 {
				if domSeen[route.Path] {
					problems = append(problems, fmt.Sprintf("duplicate route path %q on domain %q", route.Path, domainKey))
				}
				domSeen[route.Path] = true
				snap.Routes = append(snap.Routes, route)
			}
		}
	}

	for port := range listenerTLS {
		if listenerHasTLSDomain[port] && listenerHasPlainDomain[port] {
			problems = append(problems, fmt.Sprintf("port %s is used by both TLS and plaintext domains, which is not allowed", port))
		}
	}

	for port, tls := range listenerTLS {
		snap.Listeners = append(snap.Listeners, dynamicproxy.ListenerConfig{
			Addr:  ":" + port,
			TLS:   tls,
			Certs: listenerCerts[port],
		})
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("configuration invalid:\n  - %s", strings.Join(problems, "\n  - "))
	}

	return snap, nil
}

func resolveRoute(domain *string, r rawRouter, cfg rawConfig, inheritedTimeout int) (dynamicproxy.RouteEntry, []string) {
	var problems []string

	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		problems = append(problems, fmt.Sprintf("router path %q must begin with '/'", r.Path))
	}
	upstream, err := parseUpstream(r.Upstream)
	if err != nil {
		problems = append(problems, fmt.Sprintf("router %q: %v", r.Path, err))
	}

	maxReq := cfg.MaxReqPerWindow
	if r.MaxReqPerWindow != nil {
		maxReq = *r.MaxReqPerWindow
	}
	blockDuration := cfg.BlockDurationSecs
	if r.BlockDurationSecs != nil {
		blockDuration = *r.BlockDurationSecs
	}
	timeout := inheritedTimeout
	if r.TimeoutSecs != nil {
		timeout = *r.TimeoutSecs
	}

	policy := dynamicproxy.Policy{
		MaxReq:            maxReq,
		WindowSecs:        cfg.RateLimitWindowSecs,
		BlockDurationSecs: blockDuration,
		TimeoutSecs:       timeout,
		FollowDomain:      r.FollowDomain,
	}

	if r.AdvancedLimits != nil {
		policy.Advanced = resolveAdvanced(*r.AdvancedLimits, cfg.RateLimitWindowSecs, blockDuration)
	}

	if len(problems) > 0 {
		return dynamicproxy.RouteEntry{}, problems
	}

	return dynamicproxy.RouteEntry{
		ID:       routeID(domain, r.Path),
		Domain:   domain,
		Path:     r.Path,
		Upstream: upstream,
		Policy:   policy,
	}, nil
}

func resolveAdvanced(raw rawAdvancedLimits, globalWindow, routeBlockDuration int) *dynamicproxy.AdvancedLimits {
	adv := &dynamicproxy.AdvancedLimits{
		AsnLimits:            resolveDimMap(raw.AsnLimits, globalWindow, routeBlockDuration),
		CountryLimits:        resolveDimMap(raw.CountryLimits, globalWindow, routeBlockDuration),
		UserAgentLimits:      resolveDimMap(raw.UserAgentLimits, globalWindow, routeBlockDuration),
		ThreatScoreThreshold: raw.ThreatScoreThreshold,
	}
	if len(raw.BlockCountries) > 0 {
		adv.BlockCountries = make(map[string]bool, len(raw.BlockCountries))
		for _, c := range raw.BlockCountries {
			adv.BlockCountries[strings.ToUpper(c)] = true
		}
	}
	return adv
}

func resolveDimMap(raw map[string]rawDimRule, globalWindow, routeBlockDuration int) map[string]dynamicproxy.DimRule {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]dynamicproxy.DimRule, len(raw))
	for key, rule := range raw {
		window := globalWindow
		if rule.WindowSecs != nil {
			window = *rule.WindowSecs
		}
		blockDuration := 0
		if rule.wasExtended() {
			blockDuration = routeBlockDuration
			if rule.BlockDurationSecs != nil {
				blockDuration = *rule.BlockDurationSecs
			}
		}
		out[key] = dynamicproxy.DimRule{
			MaxReq:            rule.MaxReq,
			WindowSecs:        window,
			BlockDurationSecs: blockDuration,
		}
	}
	return out
}

// parseUpstream accepts "host:port", "scheme://host:port" or
// "scheme://host:port/base/path" and produces a fully-populated
// UpstreamTarget.
func parseUpstream(raw string) (dynamicproxy.UpstreamTarget, error) {
	if raw == "" {
		return dynamicproxy.UpstreamTarget{}, fmt.Errorf("upstream is required")
	}
	full := raw
	if !strings.Contains(full, "://") {
		full = "http://" + full
	}
	u, err := url.Parse(full)
	if err != nil {
		return dynamicproxy.UpstreamTarget{}, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		if u.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return dynamicproxy.UpstreamTarget{}, fmt.Errorf("invalid upstream port in %q: %w", raw, err)
	}
	return dynamicproxy.UpstreamTarget{
		Host:     host,
		Port:     port,
		Scheme:   u.Scheme,
		BasePath: strings.TrimSuffix(u.Path, "/"),
	}, nil
}

func loadSSLFiles(ssl rawSSL) (certPEM, keyPEM, caPEM []byte, problems []string) {
	var err error
	certPEM, err = os.ReadFile(ssl.CertPath)
	if err != nil {
		problems = append(problems, fmt.Sprintf("reading cert_path %q: %v", ssl.CertPath, err))
	} else if !tlscert.IsValidTLSFile(bytes.NewReader(certPEM)) {
		problems = append(problems, fmt.Sprintf("cert_path %q is not a valid non-CA leaf certificate", ssl.CertPath))
	}
	keyPEM, err = os.ReadFile(ssl.KeyPath)
	if err != nil {
		problems = append(problems, fmt.Sprintf("reading key_path %q: %v", ssl.KeyPath, err))
	} else if !tlscert.IsValidTLSFile(bytes.NewReader(keyPEM)) {
		problems = append(problems, fmt.Sprintf("key_path %q is not a valid private key", ssl.KeyPath))
	}
	if ssl.CAPath != "" {
		caPEM, err = os.ReadFile(ssl.CAPath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("reading ca_path %q: %v", ssl.CAPath, err))
		}
	}
	return
}

// normalizeDomainKey lowercases the domain and appends the default
// port for the presence (443) or absence (80) of a TLS block when
// the config did not specify one explicitly.
func normalizeDomainKey(domain string, hasSSL bool) string {
	domain = domainCaser.String(strings.TrimSpace(domain))
	if strings.Contains(domain, ":") {
		return domain
	}
	if hasSSL {
		return domain + ":443"
	}
	return domain + ":80"
}

func stripPort(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

// portOf extracts the port a DomainKey (already normalized to
// "host:port" by normalizeDomainKey) binds on, since a listener binds
// a port, not a specific host.
func portOf(hostPort string) string {
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return port
}

func routeID(domain *string, path string) string {
	if domain == nil {
		return "pathonly:" + path
	}
	return *domain + ":" + path
}
