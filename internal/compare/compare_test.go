package compare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

func defaultComparator(mutate ...func(*config.ComparisonConfig)) *Comparator {
	cfg := config.DefaultProxyConfig().Comparison
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, 10<<20)
}

func jsonResp(target models.Target, status int, body string) *models.TargetResponse {
	return &models.TargetResponse{
		Target:      target,
		StatusCode:  status,
		IsSuccess:   status >= 200 && status < 300,
		Body:        []byte(body),
		ContentType: "application/json; charset=utf-8",
	}
}

func ns(body string) *models.TargetResponse  { return jsonResp(models.TargetNightscout, 200, body) }
func noc(body string) *models.TargetResponse { return jsonResp(models.TargetNocturne, 200, body) }

func types(ds []models.Discrepancy) []models.DiscrepancyType {
	out := make([]models.DiscrepancyType, len(ds))
	for i, d := range ds {
		out[i] = d.Type
	}
	return out
}

func TestCompare_Missing(t *testing.T) {
	c := defaultComparator()

	assert.Equal(t, models.MatchBothMissing, c.Compare(nil, nil, "INT-1").OverallMatch)
	assert.Equal(t, models.MatchNightscoutMissing, c.Compare(nil, noc(`{}`), "INT-1").OverallMatch)
	assert.Equal(t, models.MatchNocturneMissing, c.Compare(ns(`{}`), nil, "INT-1").OverallMatch)

	failed := &models.TargetResponse{Target: models.TargetNocturne, ErrorMessage: "connection refused"}
	r := c.Compare(ns(`{}`), failed, "INT-1")
	assert.Equal(t, models.MatchNocturneMissing, r.OverallMatch)
	assert.Contains(t, r.Summary, "connection refused")
	assert.Nil(t, r.PerformanceComparison)
}

func TestCompare_IdenticalJSON(t *testing.T) {
	c := defaultComparator()
	r := c.Compare(ns(`{"status":"ok","value":100}`), noc(`{"status":"ok","value":100}`), "INT-1")

	assert.Equal(t, "INT-1", r.CorrelationID)
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)
	assert.True(t, r.BodyMatch)
	assert.True(t, r.StatusCodeMatch)
	assert.Empty(t, r.Discrepancies)
	assert.Equal(t, "Responses match", r.Summary)
}

func TestCompare_NumericTolerance(t *testing.T) {
	c := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.NumericPrecisionTolerance = 0.001 })

	r := c.Compare(ns(`{"value":100.001}`), noc(`{"value":100.002}`), "")
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)

	r = c.Compare(ns(`{"value":100.0}`), noc(`{"value":101.0}`), "")
	assert.Equal(t, models.MatchMinorDifferences, r.OverallMatch)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, models.DiscrepancyNumericValue, r.Discrepancies[0].Type)
	assert.Equal(t, models.SeverityMinor, r.Discrepancies[0].Severity)
	assert.Equal(t, "value", r.Discrepancies[0].Field)
}

func TestCompare_StatusCodeMismatch(t *testing.T) {
	c := defaultComparator()
	r := c.Compare(
		jsonResp(models.TargetNightscout, 200, `{"a":1}`),
		jsonResp(models.TargetNocturne, 404, `{"a":1}`),
		"",
	)
	assert.Equal(t, models.MatchCriticalDifferences, r.OverallMatch)
	assert.False(t, r.StatusCodeMatch)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, models.DiscrepancyStatusCode, r.Discrepancies[0].Type)
	assert.Equal(t, models.SeverityCritical, r.Discrepancies[0].Severity)
}

func TestCompare_Fields(t *testing.T) {
	tests := []struct {
		name     string
		superset bool
		a, b     string
		want     []models.DiscrepancyType
		match    models.MatchType
	}{
		{"missing in nocturne", true, `{"a":1,"b":2}`, `{"a":1}`, []models.DiscrepancyType{models.DiscrepancyFieldMissing}, models.MatchCriticalDifferences},
		{"extra allowed", true, `{"a":1}`, `{"a":1,"b":2}`, []models.DiscrepancyType{}, models.MatchPerfect},
		{"extra reported", false, `{"a":1}`, `{"a":1,"b":2}`, []models.DiscrepancyType{models.DiscrepancyFieldExtra}, models.MatchMinorDifferences},
		{"type mismatch", true, `{"a":"1"}`, `{"a":1}`, []models.DiscrepancyType{models.DiscrepancyTypeMismatch}, models.MatchCriticalDifferences},
		{"null vs value", true, `{"a":null}`, `{"a":0}`, []models.DiscrepancyType{models.DiscrepancyTypeMismatch}, models.MatchCriticalDifferences},
		{"string", true, `{"a":"x"}`, `{"a":"y"}`, []models.DiscrepancyType{models.DiscrepancyStringValue}, models.MatchMinorDifferences},
		{"bool", true, `{"a":true}`, `{"a":false}`, []models.DiscrepancyType{models.DiscrepancyBooleanValue}, models.MatchMinorDifferences},
		{"nested", true, `{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":5}}}`, []models.DiscrepancyType{models.DiscrepancyNumericValue}, models.MatchMinorDifferences},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.AllowSupersetResponses = tt.superset })
			r := c.Compare(ns(tt.a), noc(tt.b), "")
			assert.Equal(t, tt.want, types(r.Discrepancies))
			assert.Equal(t, tt.match, r.OverallMatch)
		})
	}
}

func TestCompare_FieldPaths(t *testing.T) {
	c := defaultComparator()
	r := c.Compare(ns(`{"values":[{"sgv":1},{"sgv":2},{"sgv":3}]}`), noc(`{"values":[{"sgv":1},{"sgv":2},{"sgv":9}]}`), "")
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, "values[2].sgv", r.Discrepancies[0].Field)
}

func TestCompare_ExcludeFields(t *testing.T) {
	c := defaultComparator(func(cfg *config.ComparisonConfig) {
		cfg.ExcludeFields = []string{"_id", "meta.generatedAt"}
		cfg.RouteExcludeFields = map[string][]string{"/api/v1/status": {"serverTime"}}
	})

	a := `{"_id":"1","meta":{"generatedAt":"x","v":1},"items":[{"_id":"a","n":1}],"serverTime":"t1"}`
	b := `{"_id":"2","meta":{"generatedAt":"y","v":1},"items":[{"_id":"b","n":1}],"serverTime":"t2"}`

	r := c.CompareRequest(ns(a), noc(b), Options{RequestPath: "/api/v1/status"})
	assert.Equal(t, models.MatchPerfect, r.OverallMatch, "%v", r.Discrepancies)

	r = c.CompareRequest(ns(a), noc(b), Options{RequestPath: "/api/v1/entries"})
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, "serverTime", r.Discrepancies[0].Field)
}

func TestCompare_Timestamps(t *testing.T) {
	c := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.TimestampToleranceMs = 5000 })

	r := c.Compare(ns(`{"created":"2024-01-15T10:30:00Z"}`), noc(`{"created":"2024-01-15T10:30:04.500Z"}`), "")
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)

	r = c.Compare(ns(`{"created":"2024-01-15T10:30:00Z"}`), noc(`{"created":"2024-01-15T10:31:00Z"}`), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyTimestamp}, types(r.Discrepancies))

	// configured field name holding epoch milliseconds
	r = c.Compare(ns(`{"date":1705312200000}`), noc(`{"date":1705312203000}`), "")
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)
	r = c.Compare(ns(`{"date":1705312200000}`), noc(`{"date":1705312260000}`), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyTimestamp}, types(r.Discrepancies))
}

func TestCompare_ArrayModes(t *testing.T) {
	a, b := `{"v":[1,2,3]}`, `{"v":[3,1,2]}`

	strict := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.ArrayOrderHandling = config.ArrayOrderStrict })
	r := strict.Compare(ns(a), noc(b), "")
	assert.Equal(t, models.MatchMinorDifferences, r.OverallMatch)
	assert.Len(t, r.Discrepancies, 3)

	loose := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.ArrayOrderHandling = config.ArrayOrderLoose })
	assert.Equal(t, models.MatchPerfect, loose.Compare(ns(a), noc(b), "").OverallMatch)
	r = loose.Compare(ns(`{"v":[1,2,2]}`), noc(`{"v":[2,1,1]}`), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyArrayContent, models.DiscrepancyArrayContent}, types(r.Discrepancies))

	sorted := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.ArrayOrderHandling = config.ArrayOrderSorted })
	assert.Equal(t, models.MatchPerfect, sorted.Compare(ns(a), noc(b), "").OverallMatch)
	objs := sorted.Compare(ns(`[{"id":"b","x":1},{"id":"a"}]`), noc(`[{"x":1,"id":"b"},{"id":"a"}]`), "")
	assert.Equal(t, models.MatchPerfect, objs.OverallMatch)
}

func TestCompare_LooseArraysKeepTolerances(t *testing.T) {
	strict := defaultComparator()
	loose := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.ArrayOrderHandling = config.ArrayOrderLoose })

	tests := []struct {
		name     string
		ns, noc  string
		reorder  string // Nocturne body in another order, loose only
		minorFor string // a Nocturne body outside tolerance
	}{
		{
			name:     "numeric precision",
			ns:       `{"values":[100.001,5]}`,
			noc:      `{"values":[100.002,5]}`,
			reorder:  `{"values":[5,100.002]}`,
			minorFor: `{"values":[5,101]}`,
		},
		{
			name:     "timestamp tolerance",
			ns:       `{"entries":[{"date":1700000000000,"sgv":120},{"date":1700000300000,"sgv":118}]}`,
			noc:      `{"entries":[{"date":1700000000500,"sgv":120},{"date":1700000300500,"sgv":118}]}`,
			reorder:  `{"entries":[{"sgv":118,"date":1700000300500},{"sgv":120,"date":1700000000500}]}`,
			minorFor: `{"entries":[{"date":1700000060000,"sgv":120},{"date":1700000300000,"sgv":118}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, models.MatchPerfect, strict.Compare(ns(tt.ns), noc(tt.noc), "").OverallMatch)
			assert.Equal(t, models.MatchPerfect, loose.Compare(ns(tt.ns), noc(tt.noc), "").OverallMatch)
			assert.Equal(t, models.MatchPerfect, loose.Compare(ns(tt.ns), noc(tt.reorder), "").OverallMatch)

			r := loose.Compare(ns(tt.ns), noc(tt.minorFor), "")
			assert.Equal(t, models.MatchMinorDifferences, r.OverallMatch)
			assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyArrayContent, models.DiscrepancyArrayContent}, types(r.Discrepancies))
		})
	}
}

func TestCompare_LargeIntegersAreExact(t *testing.T) {
	c := defaultComparator()

	r := c.Compare(ns(`{"count":9007199254740993}`), noc(`{"count":9007199254740992}`), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyNumericValue}, types(r.Discrepancies))

	r = c.Compare(ns(`{"count":9007199254740993}`), noc(`{"count":9007199254740993}`), "")
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)

	loose := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.ArrayOrderHandling = config.ArrayOrderLoose })
	r = loose.Compare(ns(`[9007199254740993]`), noc(`[9007199254740992]`), "")
	assert.Equal(t, models.MatchMinorDifferences, r.OverallMatch)

	assert.Equal(t, models.MatchPerfect, c.Compare(ns(`{"v":2}`), noc(`{"v":2.0}`), "").OverallMatch)
}

func TestCompare_ArrayLengthIsCritical(t *testing.T) {
	c := defaultComparator()
	r := c.Compare(ns(`[1,2,3]`), noc(`[1,2]`), "")
	assert.Equal(t, models.MatchCriticalDifferences, r.OverallMatch)
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyArrayLength}, types(r.Discrepancies))
}

func TestCompare_FieldOrdering(t *testing.T) {
	a, b := `{"a":1,"b":2}`, `{"b":2,"a":1}`

	assert.Equal(t, models.MatchPerfect, defaultComparator().Compare(ns(a), noc(b), "").OverallMatch)

	strict := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.NormalizeFieldOrdering = false })
	r := strict.Compare(ns(a), noc(b), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyFieldOrder}, types(r.Discrepancies))
}

func TestCompare_ShallowComparison(t *testing.T) {
	c := defaultComparator(func(cfg *config.ComparisonConfig) { cfg.EnableDeepComparison = false })
	r := c.Compare(ns(`{"top":1,"nested":{"a":1,"b":2}}`), noc(`{"top":1,"nested":{"b":2,"a":3}}`), "")
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, models.DiscrepancyValue, r.Discrepancies[0].Type)
	assert.Equal(t, "nested", r.Discrepancies[0].Field)

	r = c.Compare(ns(`{"nested":{"a":1,"b":2}}`), noc(`{"nested":{"b":2,"a":1}}`), "")
	assert.Equal(t, models.MatchPerfect, r.OverallMatch)
}

func TestCompare_MalformedJSON(t *testing.T) {
	c := defaultComparator()

	r := c.Compare(ns(`{"a":1}`), noc(`{"a":`), "")
	assert.Equal(t, models.MatchCriticalDifferences, r.OverallMatch)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, models.DiscrepancyTypeMismatch, r.Discrepancies[0].Type)
	assert.Contains(t, r.Discrepancies[0].Details, "Nocturne")

	assert.Equal(t, models.MatchPerfect, c.Compare(ns(`{oops`), noc(`{oops`), "").OverallMatch)
}

func TestCompare_NonJSON(t *testing.T) {
	c := defaultComparator()
	text := func(target models.Target, body string) *models.TargetResponse {
		return &models.TargetResponse{Target: target, StatusCode: 200, Body: []byte(body), ContentType: "text/plain"}
	}

	assert.Equal(t, models.MatchPerfect, c.Compare(text(models.TargetNightscout, "ok"), text(models.TargetNocturne, "ok"), "").OverallMatch)

	r := c.Compare(text(models.TargetNightscout, "ok"), text(models.TargetNocturne, "OK"), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyBodyContent}, types(r.Discrepancies))
	assert.False(t, r.BodyMatch)

	r = c.Compare(ns(`{"a":1}`), text(models.TargetNocturne, `{"a":1}`), "")
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyContentType}, types(r.Discrepancies))
	assert.Equal(t, models.MatchCriticalDifferences, r.OverallMatch)
}

func TestCompare_BodyTooLarge(t *testing.T) {
	c := New(config.DefaultProxyConfig().Comparison, 8)
	r := c.Compare(ns(`{"a":"0123456789"}`), noc(`{"a":"x"}`), "")
	assert.True(t, r.BodyComparisonSkipped)
	assert.False(t, r.BodyMatch)
	assert.Equal(t, []models.DiscrepancyType{models.DiscrepancyBodyTooLarge}, types(r.Discrepancies))
	assert.Equal(t, models.MatchMinorDifferences, r.OverallMatch)

	r = defaultComparator().CompareRequest(ns(`{}`), noc(`{}`), Options{SkipBodyReason: "request body too large"})
	assert.True(t, r.BodyComparisonSkipped)
	assert.Equal(t, "request body too large", r.Discrepancies[0].Details)
}

func TestCompare_Performance(t *testing.T) {
	c := defaultComparator()
	a, b := ns(`{}`), noc(`{"x":1}`)
	a.ResponseTimeMs, b.ResponseTimeMs = 120, 45

	r := c.Compare(a, b, "")
	require.NotNil(t, r.PerformanceComparison)
	assert.Equal(t, int64(-75), r.PerformanceComparison.DifferenceMs)
	assert.Equal(t, models.TargetNocturne, r.PerformanceComparison.FasterTarget)

	r = c.Compare(jsonResp(models.TargetNightscout, 500, ""), jsonResp(models.TargetNocturne, 200, ""), "")
	assert.NotNil(t, r.PerformanceComparison, "present regardless of match")
}

func TestCompare_RequestContext(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	c := New(config.DefaultProxyConfig().Comparison, 0, WithClock(func() time.Time { return now }))
	r := c.CompareRequest(ns(`{}`), noc(`{}`), Options{CorrelationID: "INT-x", RequestMethod: "GET", RequestPath: "/api/v1/entries"})
	assert.Equal(t, now, r.ComparedAt)
	assert.Equal(t, "GET", r.RequestMethod)
	assert.Equal(t, "/api/v1/entries", r.RequestPath)
}

func TestSummary(t *testing.T) {
	c := defaultComparator()
	r := c.Compare(
		jsonResp(models.TargetNightscout, 200, `{"a":1,"b":true}`),
		jsonResp(models.TargetNocturne, 200, `{"a":2}`),
		"",
	)
	assert.Equal(t, "2 discrepancies (1 critical, 1 minor): FieldMissing at b", r.Summary)
}
