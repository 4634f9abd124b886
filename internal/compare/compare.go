// Package compare diffs a Nightscout response against a Nocturne response.
//
// DESIGN: The comparator is tolerant by configuration, not by accident.
// Status codes and content types are compared first; JSON bodies are then
// walked structurally with gjson (document order, no intermediate maps),
// everything else is compared byte for byte.
//
// SEVERITY:
//   - Critical: status code, content type, non-JSON body, type mismatch,
//     malformed JSON, field missing from Nocturne, strict array length
//   - Minor:    numeric/string/boolean/timestamp values, extra Nocturne
//     fields, field order, loose array content, shallow value mismatch,
//     bodies too large to compare
//
// FILES:
//   - compare.go:   Comparator, result assembly, summary
//   - json.go:      structural JSON walk
//   - canonical.go: order-independent canonical form for array matching
package compare

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// Options carry per-request context for a comparison.
type Options struct {
	CorrelationID string
	RequestMethod string
	RequestPath   string // Used for route-specific excludes

	// SkipBodyReason, when set, skips the body diff and records why.
	SkipBodyReason string
}

// Comparator produces ComparisonResults. Safe for concurrent use.
type Comparator struct {
	cfg          config.ComparisonConfig
	maxBodyBytes int64
	now          func() time.Time
}

// Option customises a Comparator.
type Option func(*Comparator)

// WithClock injects the time source for ComparedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Comparator) { c.now = now }
}

// New creates a comparator. maxBodyBytes <= 0 disables the size check.
func New(cfg config.ComparisonConfig, maxBodyBytes int64, opts ...Option) *Comparator {
	if cfg.ArrayOrderHandling == "" {
		cfg.ArrayOrderHandling = config.ArrayOrderStrict
	}
	c := &Comparator{cfg: cfg, maxBodyBytes: maxBodyBytes, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare diffs two responses. A nil or unanswered response counts as missing.
func (c *Comparator) Compare(nightscout, nocturne *models.TargetResponse, correlationID string) *models.ComparisonResult {
	return c.CompareRequest(nightscout, nocturne, Options{CorrelationID: correlationID})
}

// CompareRequest diffs two responses with request context.
func (c *Comparator) CompareRequest(nightscout, nocturne *models.TargetResponse, opts Options) *models.ComparisonResult {
	result := &models.ComparisonResult{
		CorrelationID: opts.CorrelationID,
		RequestMethod: opts.RequestMethod,
		RequestPath:   opts.RequestPath,
		ComparedAt:    c.now().UTC(),
		Discrepancies: []models.Discrepancy{},
	}

	nsOK, nocOK := nightscout.Answered(), nocturne.Answered()
	switch {
	case !nsOK && !nocOK:
		result.OverallMatch = models.MatchBothMissing
		result.Summary = "No response from either backend"
		return result
	case !nsOK:
		result.OverallMatch = models.MatchNightscoutMissing
		result.Summary = missingSummary(models.TargetNightscout, nightscout)
		return result
	case !nocOK:
		result.OverallMatch = models.MatchNocturneMissing
		result.Summary = missingSummary(models.TargetNocturne, nocturne)
		return result
	}

	result.PerformanceComparison = performance(nightscout, nocturne)

	var ds []models.Discrepancy
	result.StatusCodeMatch = nightscout.StatusCode == nocturne.StatusCode
	if !result.StatusCodeMatch {
		ds = append(ds, models.Discrepancy{
			Type:     models.DiscrepancyStatusCode,
			Severity: models.SeverityCritical,
			Details:  fmt.Sprintf("Nightscout returned %d, Nocturne returned %d", nightscout.StatusCode, nocturne.StatusCode),
		})
	}

	bodyDs, skipped := c.compareBodies(nightscout, nocturne, opts)
	result.BodyComparisonSkipped = skipped
	result.BodyMatch = !skipped && len(bodyDs) == 0
	ds = append(ds, bodyDs...)

	result.Discrepancies = append(result.Discrepancies, ds...)
	result.OverallMatch = overall(result.Discrepancies)
	result.Summary = summarize(result)
	return result
}

// compareBodies returns body discrepancies and whether the diff was skipped.
func (c *Comparator) compareBodies(ns, noc *models.TargetResponse, opts Options) ([]models.Discrepancy, bool) {
	if reason := c.skipReason(ns, noc, opts); reason != "" {
		return []models.Discrepancy{{
			Type:     models.DiscrepancyBodyTooLarge,
			Severity: models.SeverityMinor,
			Details:  reason,
		}}, true
	}

	if len(ns.Body) == 0 && len(noc.Body) == 0 {
		return nil, false
	}

	nsJSON, nocJSON := isJSON(ns.ContentType), isJSON(noc.ContentType)
	switch {
	case nsJSON && nocJSON:
		return c.compareJSON(ns.Body, noc.Body, opts.RequestPath), false
	case nsJSON != nocJSON:
		return []models.Discrepancy{{
			Type:     models.DiscrepancyContentType,
			Severity: models.SeverityCritical,
			Details:  fmt.Sprintf("Nightscout content type %q, Nocturne content type %q", ns.ContentType, noc.ContentType),
		}}, false
	}

	if !bytes.Equal(ns.Body, noc.Body) {
		return []models.Discrepancy{{
			Type:     models.DiscrepancyBodyContent,
			Severity: models.SeverityCritical,
			Details:  fmt.Sprintf("bodies differ (Nightscout %d bytes, Nocturne %d bytes)", len(ns.Body), len(noc.Body)),
		}}, false
	}
	return nil, false
}

func (c *Comparator) skipReason(ns, noc *models.TargetResponse, opts Options) string {
	if opts.SkipBodyReason != "" {
		return opts.SkipBodyReason
	}
	if c.maxBodyBytes <= 0 {
		return ""
	}
	for _, r := range []*models.TargetResponse{ns, noc} {
		if int64(len(r.Body)) > c.maxBodyBytes {
			return fmt.Sprintf("%s body of %d bytes exceeds comparison limit of %d bytes", r.Target, len(r.Body), c.maxBodyBytes)
		}
	}
	return ""
}

// compareJSON validates both bodies before walking them.
func (c *Comparator) compareJSON(nsBody, nocBody []byte, path string) []models.Discrepancy {
	nsValid, nocValid := gjson.ValidBytes(nsBody), gjson.ValidBytes(nocBody)
	switch {
	case !nsValid && !nocValid:
		if bytes.Equal(nsBody, nocBody) {
			return nil
		}
		return []models.Discrepancy{{
			Type:     models.DiscrepancyBodyContent,
			Severity: models.SeverityCritical,
			Details:  "both bodies are malformed JSON and differ",
		}}
	case !nsValid || !nocValid:
		bad := models.TargetNightscout
		if nsValid {
			bad = models.TargetNocturne
		}
		return []models.Discrepancy{{
			Type:     models.DiscrepancyTypeMismatch,
			Severity: models.SeverityCritical,
			Details:  fmt.Sprintf("%s returned malformed JSON", bad),
		}}
	}

	w := c.newWalker(path)
	nsBody, nocBody = w.stripPaths(nsBody), w.stripPaths(nocBody)
	w.walk("", "", gjson.ParseBytes(nsBody), gjson.ParseBytes(nocBody), 0)
	return w.out
}

// =============================================================================
// RESULT HELPERS
// =============================================================================

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func performance(ns, noc *models.TargetResponse) *models.PerformanceComparison {
	pc := &models.PerformanceComparison{
		NightscoutMs: ns.ResponseTimeMs,
		NocturneMs:   noc.ResponseTimeMs,
		DifferenceMs: noc.ResponseTimeMs - ns.ResponseTimeMs,
		FasterTarget: models.TargetNightscout,
	}
	if noc.ResponseTimeMs < ns.ResponseTimeMs {
		pc.FasterTarget = models.TargetNocturne
	}
	return pc
}

func overall(ds []models.Discrepancy) models.MatchType {
	if len(ds) == 0 {
		return models.MatchPerfect
	}
	for _, d := range ds {
		if d.Severity == models.SeverityCritical {
			return models.MatchCriticalDifferences
		}
	}
	return models.MatchMinorDifferences
}

func missingSummary(t models.Target, r *models.TargetResponse) string {
	if r != nil && r.ErrorMessage != "" {
		return fmt.Sprintf("%s did not respond: %s", t, r.ErrorMessage)
	}
	return fmt.Sprintf("%s did not respond", t)
}

func summarize(r *models.ComparisonResult) string {
	if r.OverallMatch == models.MatchPerfect {
		return "Responses match"
	}

	critical := r.CriticalCount()
	var b strings.Builder
	fmt.Fprintf(&b, "%d discrepancies (%d critical, %d minor)", len(r.Discrepancies), critical, len(r.Discrepancies)-critical)

	first := r.Discrepancies[0]
	for _, d := range r.Discrepancies {
		if d.Severity == models.SeverityCritical {
			first = d
			break
		}
	}
	b.WriteString(": ")
	b.WriteString(string(first.Type))
	if first.Field != "" {
		b.WriteString(" at ")
		b.WriteString(first.Field)
	}
	return b.String()
}
