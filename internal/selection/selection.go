// Package selection decides which backend response reaches the caller.
//
// DESIGN: Each strategy is one Strategy implementation; the Engine resolves
// the configured strategy once and dispatches to it per request. Strategies
// only name a preferred target; the Engine falls back to the other target
// when the preferred one did not answer, so a response is always selected
// while at least one backend answered.
package selection

import (
	"fmt"
	"math/rand/v2"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// Strategy picks a preferred target for one request.
type Strategy interface {
	Name() config.Strategy
	Choose(resp *models.CompatibilityProxyResponse) (models.Target, string)
}

// Engine applies a strategy and fills in the selection.
type Engine struct {
	strategy Strategy
}

// Options configures NewEngine.
type Options struct {
	Strategy                config.Strategy
	CompareMinorDifferences config.Strategy // nightscout | fastest
	ABTestingPercentage     float64
	Rand                    func() float64 // uniform in [0,100); nil uses math/rand
}

// NewEngine builds the engine for the configured strategy.
func NewEngine(opts Options) (*Engine, error) {
	s, err := NewStrategy(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{strategy: s}, nil
}

// NewStrategy returns the implementation for opts.Strategy.
func NewStrategy(opts Options) (Strategy, error) {
	name, err := config.ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	switch name {
	case config.StrategyNightscout:
		return Fixed{Target: models.TargetNightscout}, nil
	case config.StrategyNocturne:
		return Fixed{Target: models.TargetNocturne}, nil
	case config.StrategyFastest:
		return Fastest{}, nil
	case config.StrategyCompare:
		return Compare{PreferFastestOnMinor: opts.CompareMinorDifferences == config.StrategyFastest}, nil
	default:
		draw := opts.Rand
		if draw == nil {
			draw = func() float64 { return rand.Float64() * 100 }
		}
		return ABTest{Percentage: opts.ABTestingPercentage, Draw: draw}, nil
	}
}

// Strategy returns the active strategy.
func (e *Engine) Strategy() Strategy { return e.strategy }

// Select sets SelectedResponse and SelectionReason on resp. When neither
// backend answered, SelectedResponse stays nil and the reason says why.
func (e *Engine) Select(resp *models.CompatibilityProxyResponse) {
	target, reason := e.strategy.Choose(resp)

	switch {
	case resp.Response(target).Answered():
		resp.Select(target, reason)
	case resp.Response(target.Other()).Answered():
		resp.Select(target.Other(), fmt.Sprintf("%s; %s did not respond, using %s", reason, target, target.Other()))
	default:
		resp.SelectedResponse = nil
		resp.SelectionReason = "neither backend responded"
	}
}

// =============================================================================
// STRATEGIES
// =============================================================================

// Fixed always prefers one target.
type Fixed struct {
	Target models.Target
}

func (f Fixed) Name() config.Strategy {
	if f.Target == models.TargetNocturne {
		return config.StrategyNocturne
	}
	return config.StrategyNightscout
}

func (f Fixed) Choose(*models.CompatibilityProxyResponse) (models.Target, string) {
	return f.Target, fmt.Sprintf("%s strategy", f.Name())
}

// Fastest prefers the successful response with the lower latency.
type Fastest struct{}

func (Fastest) Name() config.Strategy { return config.StrategyFastest }

func (Fastest) Choose(resp *models.CompatibilityProxyResponse) (models.Target, string) {
	ns, noc := resp.Nightscout, resp.Nocturne
	nsOK := ns != nil && ns.IsSuccess
	nocOK := noc != nil && noc.IsSuccess

	switch {
	case nsOK && nocOK:
		if noc.ResponseTimeMs < ns.ResponseTimeMs {
			return models.TargetNocturne, fmt.Sprintf("fastest: Nocturne %dms vs Nightscout %dms", noc.ResponseTimeMs, ns.ResponseTimeMs)
		}
		return models.TargetNightscout, fmt.Sprintf("fastest: Nightscout %dms vs Nocturne %dms", ns.ResponseTimeMs, noc.ResponseTimeMs)
	case nocOK:
		return models.TargetNocturne, "fastest: only Nocturne succeeded"
	case nsOK:
		return models.TargetNightscout, "fastest: only Nightscout succeeded"
	default:
		return models.TargetNightscout, "fastest: neither backend succeeded"
	}
}

// Compare uses the comparison verdict: Nightscout unless the responses
// match perfectly, in which case the fastest wins.
type Compare struct {
	PreferFastestOnMinor bool
}

func (Compare) Name() config.Strategy { return config.StrategyCompare }

func (c Compare) Choose(resp *models.CompatibilityProxyResponse) (models.Target, string) {
	cmp := resp.Comparison
	if cmp == nil {
		return models.TargetNightscout, "compare: no comparison available, using Nightscout"
	}

	switch cmp.OverallMatch {
	case models.MatchPerfect:
		t, reason := Fastest{}.Choose(resp)
		return t, "compare: responses match; " + reason
	case models.MatchCriticalDifferences:
		return models.TargetNightscout, "compare: critical differences, using Nightscout: " + cmp.Summary
	case models.MatchMinorDifferences:
		if c.PreferFastestOnMinor {
			t, reason := Fastest{}.Choose(resp)
			return t, "compare: minor differences; " + reason + ": " + cmp.Summary
		}
		return models.TargetNightscout, "compare: minor differences, using Nightscout: " + cmp.Summary
	default:
		return models.TargetNightscout, fmt.Sprintf("compare: %s", cmp.OverallMatch)
	}
}

// ABTest routes a random share of requests to Nocturne. The draw is made
// per request, so one client may hit both backends.
type ABTest struct {
	Percentage float64
	Draw       func() float64
}

func (ABTest) Name() config.Strategy { return config.StrategyABTest }

func (a ABTest) Choose(*models.CompatibilityProxyResponse) (models.Target, string) {
	draw := a.Draw()
	if draw < a.Percentage {
		return models.TargetNocturne, fmt.Sprintf("abtest: draw %.2f < %.2f%%, using Nocturne", draw, a.Percentage)
	}
	return models.TargetNightscout, fmt.Sprintf("abtest: draw %.2f >= %.2f%%, using Nightscout", draw, a.Percentage)
}
