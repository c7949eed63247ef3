package autoswitch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSpec is a parsed five-field cron expression:
// minute, hour, day of month, month, day of week. Fields support "*",
// lists, ranges and step values. Day of week accepts 0-7 with both 0 and
// 7 meaning Sunday.
type CronSpec struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

type cronField map[int]struct{}

func (f cronField) contains(v int) bool {
	_, ok := f[v]
	return ok
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	spec := &CronSpec{}
	var err error
	if spec.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("minute: %w", err)
	}
	if spec.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("hour: %w", err)
	}
	if spec.dom, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("day of month: %w", err)
	}
	if spec.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}
	if spec.dow, err = parseCronField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("day of week: %w", err)
	}
	// Normalize Sunday.
	if spec.dow.contains(7) {
		spec.dow[0] = struct{}{}
		delete(spec.dow, 7)
	}
	return spec, nil
}

// Matches reports whether the given time satisfies the expression.
func (c *CronSpec) Matches(t time.Time) bool {
	return c.minute.contains(t.Minute()) &&
		c.hour.contains(t.Hour()) &&
		c.dom.contains(t.Day()) &&
		c.month.contains(int(t.Month())) &&
		c.dow.contains(int(t.Weekday()))
}

func parseCronField(text string, min, max int) (cronField, error) {
	field := make(cronField)
	for _, part := range strings.Split(text, ",") {
		if err := parseCronPart(field, part, min, max); err != nil {
			return nil, err
		}
	}
	return field, nil
}

func parseCronPart(field cronField, part string, min, max int) error {
	step := 1
	if base, stepText, ok := strings.Cut(part, "/"); ok {
		parsed, err := strconv.Atoi(stepText)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid step %q", stepText)
		}
		step = parsed
		part = base
	}

	lo, hi := min, max
	switch {
	case part == "*":
		// full range
	case strings.Contains(part, "-"):
		loText, hiText, _ := strings.Cut(part, "-")
		var err error
		if lo, err = strconv.Atoi(loText); err != nil {
			return fmt.Errorf("invalid range start %q", loText)
		}
		if hi, err = strconv.Atoi(hiText); err != nil {
			return fmt.Errorf("invalid range end %q", hiText)
		}
		if lo > hi {
			return fmt.Errorf("inverted range %q", part)
		}
	default:
		value, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		lo, hi = value, value
	}

	if lo < min || hi > max {
		return fmt.Errorf("%q out of range %d-%d", part, min, max)
	}
	for v := lo; v <= hi; v += step {
		field[v] = struct{}{}
	}
	return nil
}
