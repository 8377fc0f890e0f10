package dynamicproxy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

/*
	ratelimit_dimensions.go

	Builds the ordered list of DimRules applicable to one request
	against one RouteEntry, and evaluates them against the limiter
	with short-circuit on the first reject. This is the "Evaluate"
	half of the admission algorithm; ratelimit.go owns the atomic
	per-key bookkeeping.
*/

// uaClassPriority is the case-insensitive substring match order used
// to classify a User-Agent string into the key space of
// user_agent_limits. First configured key that matches wins.
var uaClassPriority = []string{
	"bot", "crawler", "spider", "mobile", "chrome", "firefox", "safari", "edge",
}

func classifyUserAgent(ua string, limits map[string]DimRule) (string, bool) {
	if len(limits) == 0 {
		return "", false
	}
	lower := strings.ToLower(ua)
	for _, class := range uaClassPriority {
		if _, configured := limits[class]; !configured {
			continue
		}
		if strings.Contains(lower, class) {
			return class, true
		}
	}
	return "", false
}

type dimCheck struct {
	dimension Dimension
	dimValue  string
	rule      DimRule
}

// buildDimChecks assembles the ordered list described by the
// admission algorithm: Base first, then any matching advanced
// dimension rules, then synthesized block_countries / threat_score
// rules.
func buildDimChecks(r *http.Request, route *RouteEntry) []dimCheck {
	checks := []dimCheck{{
		dimension: DimBase,
		dimValue:  "",
		rule: DimRule{
			MaxReq:            route.Policy.MaxReq,
			WindowSecs:        route.Policy.WindowSecs,
			BlockDurationSecs: route.Policy.BlockDurationSecs,
		},
	}}

	adv := route.Policy.Advanced
	if adv == nil {
		return checks
	}

	if asn := r.Header.Get("CF-Connecting-ASN"); asn != "" {
		if rule, ok := adv.AsnLimits[asn]; ok {
			checks = append(checks, dimCheck{DimAsn, asn, rule})
		}
	}

	country := strings.ToUpper(r.Header.Get("CF-IPCountry"))
	if country != "" {
		if rule, ok := adv.CountryLimits[country]; ok {
			checks = append(checks, dimCheck{DimCountry, country, rule})
		}
	}

	if class, ok := classifyUserAgent(r.Header.Get("User-Agent"), adv.UserAgentLimits); ok {
		checks = append(checks, dimCheck{DimUserAgent, class, adv.UserAgentLimits[class]})
	}

	if country != "" && adv.BlockCountries[country] {
		checks = append(checks, dimCheck{DimCountry, country, DimRule{
			MaxReq:            0,
			WindowSecs:        1,
			BlockDurationSecs: 86400,
		}})
	}

	if adv.ThreatScoreThreshold != nil {
		if raw := r.Header.Get("CF-Threat-Score"); raw != "" {
			if score, err := strconv.Atoi(raw); err == nil && score >= *adv.ThreatScoreThreshold {
				checks = append(checks, dimCheck{DimThreat, "", DimRule{
					MaxReq:            0,
					WindowSecs:        1,
					BlockDurationSecs: route.Policy.BlockDurationSecs,
				}})
			}
		}
	}

	return checks
}

// Evaluate runs the admission algorithm for r against route, using
// clientIP as the limiter identity. Evaluation short-circuits on the
// first reject verdict.
func (l *Limiter) Evaluate(r *http.Request, route *RouteEntry, clientIP string) Verdict {
	now := time.Now()
	for _, c := range buildDimChecks(r, route) {
		key := LimiterKey{
			RouteID:   route.ID,
			Dimension: c.dimension,
			DimValue:  c.dimValue,
			ClientIP:  clientIP,
		}
		verdict := l.checkAndRecord(key, c.rule, now)
		verdict.MatchedPath = route.Path
		if verdict.Kind != Accepted {
			return verdict
		}
	}
	return Verdict{Kind: Accepted, MatchedPath: route.Path}
}
