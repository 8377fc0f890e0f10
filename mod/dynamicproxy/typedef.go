package dynamicproxy

import (
	"time"

	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
)

// Dimension identifies which attribute of a request a DimRule was
// evaluated against. Base and Threat carry an empty DimValue.
type Dimension string

const (
	DimBase      Dimension = "base"
	DimAsn       Dimension = "asn"
	DimCountry   Dimension = "country"
	DimUserAgent Dimension = "user_agent"
	DimThreat    Dimension = "threat"
)

// DimRule is a triple applied along one dimension of the limiter.
type DimRule struct {
	MaxReq            int
	WindowSecs        int
	BlockDurationSecs int
}

// AdvancedLimits carries the optional multi-dimensional overlay for a
// route's base policy.
type AdvancedLimits struct {
	AsnLimits            map[string]DimRule
	CountryLimits        map[string]DimRule
	UserAgentLimits      map[string]DimRule
	BlockCountries       map[string]bool
	ThreatScoreThreshold *int
}

// Policy is the fully resolved, non-nullable set of limits and
// behaviors that apply to a matched route. Inheritance (route >
// domain > global) is already flattened by the time a Policy exists.
type Policy struct {
	MaxReq            int
	WindowSecs        int
	BlockDurationSecs int
	TimeoutSecs       int
	FollowDomain      bool
	Advanced          *AdvancedLimits
}

// UpstreamTarget is the concrete backend a RouteEntry forwards to.
type UpstreamTarget struct {
	Host     string
	Port     int
	Scheme   string // "http" or "https"
	BasePath string // empty means "strip route prefix, forward the rest"
}

// RouteEntry is a fully resolved route: match criteria, upstream, and
// effective policy. RouteEntries are built once at startup from the
// configuration snapshot and are immutable for the process lifetime.
type RouteEntry struct {
	ID       string
	Domain   *string // nil means path-only, matches across all domains
	Path     string  // PathPrefix, always begins with "/"
	Upstream UpstreamTarget
	Policy   Policy
}

// HasUpstream reports whether this RouteEntry can actually forward a
// request, as opposed to the synthetic global-default placeholder
// used to produce a 404 when nothing else matches.
func (r *RouteEntry) HasUpstream() bool {
	return r != nil && r.Upstream.Host != ""
}

// LimiterKey identifies one CounterWindow. All fields participate in
// map identity.
type LimiterKey struct {
	RouteID   string
	Dimension Dimension
	DimValue  string
	ClientIP  string
}

// VerdictKind enumerates the three possible limiter outcomes.
type VerdictKind int

const (
	Accepted VerdictKind = iota
	SoftRejected
	Blocked
)

// Verdict is the result of evaluating one RouteEntry's dimensions
// against a request.
type Verdict struct {
	Kind        VerdictKind
	Limit       int
	Count       int // observed count at the moment of the verdict
	Remaining   int
	WindowSecs  int
	RetryAfter  int // seconds
	ResetSecs   int // only meaningful for Blocked
	MatchedPath string
}

// BlockNotice is the payload enqueued to the notifier whenever a
// request transitions a LimiterKey into (or keeps it in) a hard
// block.
type BlockNotice struct {
	ID                string
	IP                string
	Domain            string
	Path              string
	RequestURL        string
	UserAgent         string
	CurrentCount      int
	MaxRequests       int
	BlockDurationSecs int
	TimestampUTC      time.Time
}

// ListenerCert describes one SNI-selectable certificate/key pair
// belonging to a listener, plus its optional client-CA.
type ListenerCert struct {
	Domain  string // may begin with "*." for a single-level wildcard
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// ListenerConfig describes one host:port the process must bind.
type ListenerConfig struct {
	Addr  string // host:port, or ":port" to bind all interfaces
	TLS   bool
	Certs []ListenerCert
}

// RouterOption bundles the collaborators the Router needs beyond the
// route table itself. Each TLS-enabled ListenerConfig carries its own
// certificates; the Router builds one tlscert.Manager per listener.
type RouterOption struct {
	Listeners       []ListenerConfig
	UseCloudflare   bool
	BlockURL        string
	APIKey          string
	SweepInterval   time.Duration
	NotifierWorkers int
	QueueCapacity   int
	Logger          *pwlog.Logger
	Metrics         *pwmetrics.Sink
}
