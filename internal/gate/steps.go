package gate

import "time"

// StepProfile describes how outcomes of one step are recorded: which
// external service the spend is attributed to, which budget category
// it lands in, and how long a successful result stays cached.
type StepProfile struct {
	Service  string
	Category string
	CacheTTL time.Duration // 0 uses the cache store's per-type default
}

// DefaultProfiles covers the pipeline steps the discovery system runs
// today. Unknown steps fall back to a profile named after the step
// itself, so a new step works before anyone declares it here.
func DefaultProfiles() map[string]StepProfile {
	return map[string]StepProfile{
		"ai_classification": {
			Service:  "openai",
			Category: "ai_classification",
			CacheTTL: 7 * 24 * time.Hour,
		},
		"api_fetch": {
			Service:  "grants_gov",
			Category: "api_fetch",
			CacheTTL: 24 * time.Hour,
		},
		"web_scrape": {
			Service:  "firecrawl",
			Category: "web_scrape",
			CacheTTL: 24 * time.Hour,
		},
		"tax_verification": {
			Service:  "propublica",
			Category: "tax_verification",
			CacheTTL: 30 * 24 * time.Hour,
		},
	}
}

// profileFor resolves the profile for step, synthesizing one for
// undeclared steps.
func (g *Gatekeeper) profileFor(step string) StepProfile {
	if p, ok := g.profiles[step]; ok {
		return p
	}
	return StepProfile{Service: step, Category: step}
}
