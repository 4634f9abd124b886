package compare

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/models"
)

// floatNoise absorbs binary rounding when a difference equals the tolerance.
const floatNoise = 1e-9

// walker accumulates discrepancies for one JSON comparison.
type walker struct {
	cfg             config.ComparisonConfig
	excludedNames   map[string]bool // bare names, any depth, lower case
	excludedPaths   []string        // dotted gjson paths, removed before walking
	timestampFields map[string]bool // lower case
	out             []models.Discrepancy
}

func (c *Comparator) newWalker(requestPath string) *walker {
	w := &walker{
		cfg:             c.cfg,
		excludedNames:   make(map[string]bool),
		timestampFields: make(map[string]bool, len(c.cfg.TimestampFields)),
	}

	excludes := append([]string(nil), c.cfg.ExcludeFields...)
	if requestPath != "" {
		for route, fields := range c.cfg.RouteExcludeFields {
			if route != "" && strings.Contains(requestPath, route) {
				excludes = append(excludes, fields...)
			}
		}
	}
	for _, f := range excludes {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
		case strings.Contains(f, "."):
			w.excludedPaths = append(w.excludedPaths, f)
		default:
			w.excludedNames[strings.ToLower(f)] = true
		}
	}
	// deeper paths first so deleting a parent never hides a child path
	sort.Slice(w.excludedPaths, func(i, j int) bool { return len(w.excludedPaths[i]) > len(w.excludedPaths[j]) })

	for _, f := range c.cfg.TimestampFields {
		w.timestampFields[strings.ToLower(f)] = true
	}
	return w
}

// stripPaths removes excluded dotted paths from body.
func (w *walker) stripPaths(body []byte) []byte {
	for _, p := range w.excludedPaths {
		if !gjson.GetBytes(body, p).Exists() {
			continue
		}
		if out, err := sjson.DeleteBytes(body, p); err == nil {
			body = out
		}
	}
	return body
}

func (w *walker) add(t models.DiscrepancyType, sev models.Severity, field, format string, args ...any) {
	w.out = append(w.out, models.Discrepancy{
		Type:     t,
		Severity: sev,
		Field:    field,
		Details:  fmt.Sprintf(format, args...),
	})
}

// =============================================================================
// WALK
// =============================================================================

type kind int

const (
	kindNull kind = iota
	kindBool
	kindNumber
	kindString
	kindObject
	kindArray
)

var kindNames = [...]string{"null", "boolean", "number", "string", "object", "array"}

func (k kind) String() string { return kindNames[k] }

func kindOf(r gjson.Result) kind {
	switch r.Type {
	case gjson.True, gjson.False:
		return kindBool
	case gjson.Number:
		return kindNumber
	case gjson.String:
		return kindString
	case gjson.JSON:
		if r.IsArray() {
			return kindArray
		}
		return kindObject
	default:
		return kindNull
	}
}

// walk compares a (Nightscout) against b (Nocturne) at path. key is the
// nearest object key, used for timestamp field detection.
func (w *walker) walk(path, key string, a, b gjson.Result, depth int) {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		w.add(models.DiscrepancyTypeMismatch, models.SeverityCritical, path,
			"Nightscout has %s, Nocturne has %s", ka, kb)
		return
	}

	switch ka {
	case kindNull:
	case kindBool:
		if a.Bool() != b.Bool() {
			w.add(models.DiscrepancyBooleanValue, models.SeverityMinor, path,
				"Nightscout %t, Nocturne %t", a.Bool(), b.Bool())
		}
	case kindNumber:
		w.compareNumbers(path, key, a, b)
	case kindString:
		w.compareStrings(path, key, a, b)
	case kindObject, kindArray:
		if depth > 0 && !w.cfg.EnableDeepComparison {
			if w.canonical(a) != w.canonical(b) {
				w.add(models.DiscrepancyValue, models.SeverityMinor, path, "nested %s differs", ka)
			}
			return
		}
		if ka == kindObject {
			w.compareObjects(path, a, b, depth)
		} else {
			w.compareArrays(path, key, a, b, depth)
		}
	}
}

func (w *walker) compareObjects(path string, a, b gjson.Result, depth int) {
	aKeys, aVals := w.members(a)
	bKeys, bVals := w.members(b)

	for _, k := range aKeys {
		child := joinKey(path, k)
		bv, ok := bVals[k]
		if !ok {
			w.add(models.DiscrepancyFieldMissing, models.SeverityCritical, child, "field missing from Nocturne")
			continue
		}
		w.walk(child, k, aVals[k], bv, depth+1)
	}

	if !w.cfg.AllowSupersetResponses {
		for _, k := range bKeys {
			if _, ok := aVals[k]; !ok {
				w.add(models.DiscrepancyFieldExtra, models.SeverityMinor, joinKey(path, k), "field only present in Nocturne")
			}
		}
	}

	if !w.cfg.NormalizeFieldOrdering {
		aCommon := commonKeys(aKeys, bVals)
		bCommon := commonKeys(bKeys, aVals)
		if strings.Join(aCommon, "\x00") != strings.Join(bCommon, "\x00") {
			w.add(models.DiscrepancyFieldOrder, models.SeverityMinor, path,
				"field order differs: Nightscout [%s], Nocturne [%s]",
				strings.Join(aCommon, ","), strings.Join(bCommon, ","))
		}
	}
}

// members returns non-excluded keys in document order and their values.
func (w *walker) members(obj gjson.Result) ([]string, map[string]gjson.Result) {
	var keys []string
	vals := make(map[string]gjson.Result)
	obj.ForEach(func(k, v gjson.Result) bool {
		name := k.String()
		if w.excludedNames[strings.ToLower(name)] {
			return true
		}
		if _, dup := vals[name]; !dup {
			keys = append(keys, name)
		}
		vals[name] = v
		return true
	})
	return keys, vals
}

func commonKeys(keys []string, other map[string]gjson.Result) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := other[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (w *walker) compareArrays(path, key string, a, b gjson.Result, depth int) {
	as, bs := a.Array(), b.Array()

	switch w.cfg.ArrayOrderHandling {
	case config.ArrayOrderLoose:
		w.compareMultiset(path, key, as, bs, depth)
		return
	case config.ArrayOrderSorted:
		as, bs = w.sorted(as), w.sorted(bs)
	}

	if len(as) != len(bs) {
		w.add(models.DiscrepancyArrayLength, models.SeverityCritical, path,
			"Nightscout has %d elements, Nocturne has %d", len(as), len(bs))
	}
	n := min(len(as), len(bs))
	for i := 0; i < n; i++ {
		w.walk(fmt.Sprintf("%s[%d]", path, i), key, as[i], bs[i], depth+1)
	}
}

// compareMultiset pairs elements ignoring order. Identical elements pair
// first; the rest pair with any element they equal within tolerances.
func (w *walker) compareMultiset(path, key string, as, bs []gjson.Result, depth int) {
	pairedA := make([]bool, len(as))
	pairedB := make([]bool, len(bs))

	canonB := make([]string, len(bs))
	for j, e := range bs {
		canonB[j] = w.canonical(e)
	}
	for i, e := range as {
		c := w.canonical(e)
		for j := range bs {
			if !pairedB[j] && canonB[j] == c {
				pairedA[i], pairedB[j] = true, true
				break
			}
		}
	}

	for i, e := range as {
		if pairedA[i] {
			continue
		}
		for j := range bs {
			if !pairedB[j] && w.equivalent(key, e, bs[j], depth+1) {
				pairedA[i], pairedB[j] = true, true
				break
			}
		}
		if !pairedA[i] {
			w.add(models.DiscrepancyArrayContent, models.SeverityMinor, fmt.Sprintf("%s[%d]", path, i),
				"element not found in Nocturne")
		}
	}
	for j := range bs {
		if !pairedB[j] {
			w.add(models.DiscrepancyArrayContent, models.SeverityMinor, fmt.Sprintf("%s[%d]", path, j),
				"element only present in Nocturne")
		}
	}
}

// equivalent reports whether a and b walk without discrepancies.
func (w *walker) equivalent(key string, a, b gjson.Result, depth int) bool {
	scratch := *w
	scratch.out = nil
	scratch.walk("", key, a, b, depth)
	return len(scratch.out) == 0
}

func (w *walker) sorted(elems []gjson.Result) []gjson.Result {
	type keyed struct {
		key string
		val gjson.Result
	}
	ks := make([]keyed, len(elems))
	for i, e := range elems {
		ks[i] = keyed{key: w.canonical(e), val: e}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].key < ks[j].key })

	out := make([]gjson.Result, len(ks))
	for i, k := range ks {
		out[i] = k.val
	}
	return out
}

// =============================================================================
// LEAVES
// =============================================================================

func (w *walker) compareNumbers(path, key string, a, b gjson.Result) {
	if a.Raw == b.Raw {
		return
	}
	if w.isTimestampField(key) {
		w.compareTimes(path, time.UnixMilli(a.Int()), time.UnixMilli(b.Int()))
		return
	}

	diff := numericDiff(a, b)
	if diff-w.cfg.NumericPrecisionTolerance > floatNoise {
		w.add(models.DiscrepancyNumericValue, models.SeverityMinor, path,
			"Nightscout %s, Nocturne %s (difference %g)", a.Raw, b.Raw, diff)
	}
}

// numericDiff is |a-b|, exact for integers beyond 2^53.
func numericDiff(a, b gjson.Result) float64 {
	if ia, ok := parseInteger(a.Raw); ok {
		if ib, ok := parseInteger(b.Raw); ok {
			d, _ := new(big.Int).Abs(new(big.Int).Sub(ia, ib)).Float64()
			return d
		}
	}
	return math.Abs(a.Float() - b.Float())
}

// parseInteger parses raw JSON number text with no fraction or exponent.
func parseInteger(raw string) (*big.Int, bool) {
	if strings.ContainsAny(raw, ".eE") {
		return nil, false
	}
	return new(big.Int).SetString(raw, 10)
}

func (w *walker) compareStrings(path, key string, a, b gjson.Result) {
	if a.Str == b.Str {
		return
	}

	ta, okA := parseTime(a.Str)
	tb, okB := parseTime(b.Str)
	if w.isTimestampField(key) || (okA && okB) {
		if okA && okB {
			w.compareTimes(path, ta, tb)
			return
		}
		if ma, err := strconv.ParseInt(a.Str, 10, 64); err == nil {
			if mb, err := strconv.ParseInt(b.Str, 10, 64); err == nil {
				w.compareTimes(path, time.UnixMilli(ma), time.UnixMilli(mb))
				return
			}
		}
	}

	w.add(models.DiscrepancyStringValue, models.SeverityMinor, path,
		"Nightscout %q, Nocturne %q", truncate(a.Str, 80), truncate(b.Str, 80))
}

func (w *walker) compareTimes(path string, a, b time.Time) {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	if delta.Milliseconds() > w.cfg.TimestampToleranceMs {
		w.add(models.DiscrepancyTimestamp, models.SeverityMinor, path,
			"timestamps differ by %dms (tolerance %dms)", delta.Milliseconds(), w.cfg.TimestampToleranceMs)
	}
}

func (w *walker) isTimestampField(key string) bool {
	return key != "" && w.timestampFields[strings.ToLower(key)]
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseTime(s string) (time.Time, bool) {
	// cheap reject before trying layouts
	if len(s) < 20 || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
