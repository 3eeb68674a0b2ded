package conditions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlasfit/automation/pkg/schema"
)

const hoursPerDay = 24

// compare evaluates one leaf comparison against an already-resolved value.
// Evaluation is total: type mismatches, unknown operators, and bad patterns
// log a warning and evaluate to false, never an error.
func (e *Evaluator) compare(c *schema.Condition, value any, found bool) bool {
	switch c.Operator {
	case schema.OpIsEmpty:
		return isEmpty(value, found)
	case schema.OpIsNotEmpty:
		return !isEmpty(value, found)
	}

	// Everything else treats an absent field as an automatic non-match.
	if !found || value == nil {
		return false
	}

	if !schema.OperatorAllowed(c.Type, c.Operator) {
		e.logger.Warn("operator not valid for field type",
			slog.String("field", c.Field),
			slog.String("type", string(c.Type)),
			slog.String("operator", string(c.Operator)),
		)
		return false
	}

	switch c.Type {
	case schema.FieldTypeString:
		return e.compareString(c, value)
	case schema.FieldTypeNumber:
		return e.compareNumber(c, value)
	case schema.FieldTypeBoolean:
		return e.compareBoolean(c, value)
	case schema.FieldTypeDate:
		return e.compareDate(c, value)
	case schema.FieldTypeArray:
		return e.compareArray(c, value)
	default:
		e.logger.Warn("unknown field type",
			slog.String("field", c.Field),
			slog.String("type", string(c.Type)),
		)
		return false
	}
}

// isEmpty implements the shared is_empty semantics: absent values are empty,
// and present strings/arrays are empty when they have no content.
func isEmpty(value any, found bool) bool {
	if !found || value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func (e *Evaluator) compareString(c *schema.Condition, value any) bool {
	s, ok := value.(string)
	if !ok {
		e.warnTypeMismatch(c, value)
		return false
	}
	want := stringify(c.Value)

	switch c.Operator {
	case schema.OpEquals:
		return s == want
	case schema.OpNotEquals:
		return s != want
	case schema.OpContains:
		return strings.Contains(s, want)
	case schema.OpNotContains:
		return !strings.Contains(s, want)
	case schema.OpStartsWith:
		return strings.HasPrefix(s, want)
	case schema.OpEndsWith:
		return strings.HasSuffix(s, want)
	case schema.OpRegex:
		re, err := e.regexps.get(want)
		if err != nil {
			e.logger.Warn("invalid regex pattern",
				slog.String("field", c.Field),
				slog.String("pattern", want),
				slog.String("error", err.Error()),
			)
			return false
		}
		return re.MatchString(s)
	}
	return false
}

func (e *Evaluator) compareNumber(c *schema.Condition, value any) bool {
	n, ok := toNumber(value)
	if !ok {
		e.warnTypeMismatch(c, value)
		return false
	}

	if c.Operator == schema.OpBetween {
		lo, hi, ok := toNumberPair(c.Value)
		if !ok {
			e.warnBadCompareValue(c)
			return false
		}
		return n >= lo && n <= hi
	}

	want, ok := toNumber(c.Value)
	if !ok {
		e.warnBadCompareValue(c)
		return false
	}

	switch c.Operator {
	case schema.OpEquals:
		return n == want
	case schema.OpNotEquals:
		return n != want
	case schema.OpGreaterThan:
		return n > want
	case schema.OpGreaterThanOrEqual:
		return n >= want
	case schema.OpLessThan:
		return n < want
	case schema.OpLessThanOrEqual:
		return n <= want
	}
	return false
}

func (e *Evaluator) compareBoolean(c *schema.Condition, value any) bool {
	b, ok := toBool(value)
	if !ok {
		e.warnTypeMismatch(c, value)
		return false
	}
	want, ok := toBool(c.Value)
	if !ok {
		e.warnBadCompareValue(c)
		return false
	}

	switch c.Operator {
	case schema.OpEquals:
		return b == want
	case schema.OpNotEquals:
		return b != want
	}
	return false
}

func (e *Evaluator) compareDate(c *schema.Condition, value any) bool {
	ts, ok := toTime(value)
	if !ok {
		e.warnTypeMismatch(c, value)
		return false
	}

	switch c.Operator {
	case schema.OpBetween:
		pair, ok := c.Value.([]any)
		if !ok || len(pair) != 2 {
			e.warnBadCompareValue(c)
			return false
		}
		lo, okLo := toTime(pair[0])
		hi, okHi := toTime(pair[1])
		if !okLo || !okHi {
			e.warnBadCompareValue(c)
			return false
		}
		return !ts.Before(lo) && !ts.After(hi)

	case schema.OpDaysAgoLessThan, schema.OpDaysAgoGreaterThan:
		days, ok := toNumber(c.Value)
		if !ok {
			e.warnBadCompareValue(c)
			return false
		}
		ageDays := e.now().Sub(ts).Hours() / hoursPerDay
		if c.Operator == schema.OpDaysAgoLessThan {
			return ageDays < days
		}
		return ageDays > days
	}

	want, ok := toTime(c.Value)
	if !ok {
		e.warnBadCompareValue(c)
		return false
	}

	switch c.Operator {
	case schema.OpEquals:
		return ts.Equal(want)
	case schema.OpNotEquals:
		return !ts.Equal(want)
	case schema.OpBefore:
		return ts.Before(want)
	case schema.OpAfter:
		return ts.After(want)
	}
	return false
}

func (e *Evaluator) compareArray(c *schema.Condition, value any) bool {
	arr, ok := value.([]any)
	if !ok {
		e.warnTypeMismatch(c, value)
		return false
	}

	switch c.Operator {
	case schema.OpContains:
		return arrayContains(arr, c.Value)
	case schema.OpNotContains:
		return !arrayContains(arr, c.Value)
	}
	return false
}

func arrayContains(arr []any, want any) bool {
	for _, item := range arr {
		if looseEqual(item, want) {
			return true
		}
	}
	return false
}

// looseEqual compares two scalars the way JSON-sourced data needs: numbers
// numerically (so int 10 matches float64 10), everything else by its
// canonical string form.
func looseEqual(a, b any) bool {
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		return an == bn
	}
	return stringify(a) == stringify(b)
}

func (e *Evaluator) warnTypeMismatch(c *schema.Condition, value any) {
	e.logger.Warn("field value does not match declared type",
		slog.String("field", c.Field),
		slog.String("type", string(c.Type)),
		slog.String("value_type", fmt.Sprintf("%T", value)),
	)
}

func (e *Evaluator) warnBadCompareValue(c *schema.Condition) {
	e.logger.Warn("compare value is not usable for operator",
		slog.String("field", c.Field),
		slog.String("operator", string(c.Operator)),
	)
}

// --- Coercions ---

// toNumber coerces JSON-sourced numeric representations into float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

// dateOnly is the calendar-date layout used by form fields.
const dateOnly = "2006-01-02"

// toTime coerces the date representations that show up in trigger contexts:
// time.Time, RFC 3339 strings, calendar dates, and unix-seconds numbers.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(dateOnly, t); err == nil {
			return ts, true
		}
		return time.Time{}, false
	default:
		if secs, ok := toNumber(v); ok {
			return time.Unix(int64(secs), 0).UTC(), true
		}
		return time.Time{}, false
	}
}

func toNumberPair(v any) (lo, hi float64, ok bool) {
	pair, isSlice := v.([]any)
	if !isSlice || len(pair) != 2 {
		return 0, 0, false
	}
	lo, okLo := toNumber(pair[0])
	hi, okHi := toNumber(pair[1])
	return lo, hi, okLo && okHi
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// --- Regex cache ---

// regexCache caches compiled patterns by their source string.
// Thread-safe; compiled patterns are reused across goroutines.
type regexCache struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

func newRegexCache() *regexCache {
	return &regexCache{cache: make(map[string]*regexp.Regexp)}
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	if re, ok := c.cache[pattern]; ok {
		c.mu.RUnlock()
		return re, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if re, ok := c.cache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache[pattern] = re
	return re, nil
}
