package compare

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// canonical renders r with sorted object keys, excluded names removed and
// numbers normalised, so equal values produce equal strings.
func (w *walker) canonical(r gjson.Result) string {
	var b strings.Builder
	w.writeCanonical(&b, r)
	return b.String()
}

func (w *walker) writeCanonical(b *strings.Builder, r gjson.Result) {
	switch kindOf(r) {
	case kindNull:
		b.WriteString("null")
	case kindBool:
		b.WriteString(strconv.FormatBool(r.Bool()))
	case kindNumber:
		if n, ok := parseInteger(r.Raw); ok {
			b.WriteString(n.String())
			return
		}
		b.WriteString(strconv.FormatFloat(r.Float(), 'g', -1, 64))
	case kindString:
		b.WriteString(strconv.Quote(r.Str))
	case kindArray:
		b.WriteByte('[')
		for i, e := range r.Array() {
			if i > 0 {
				b.WriteByte(',')
			}
			w.writeCanonical(b, e)
		}
		b.WriteByte(']')
	case kindObject:
		keys, vals := w.members(r)
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			w.writeCanonical(b, vals[k])
		}
		b.WriteByte('}')
	}
}
