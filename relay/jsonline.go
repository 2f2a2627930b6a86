// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// Field names recognized in JSON log lines, in order of preference.
var (
	messageKeys = []string{"msg", "message"}
	levelKeys   = []string{"level", "lvl", "severity"}
	timeKeys    = []string{"time", "ts", "timestamp"}
	tagKeys     = []string{"tag", "logger", "component", "service"}
)

// JSONLineParser turns JSON log lines, such as those written by
// slog.JSONHandler, zap, or zerolog, into records. Recognized fields
// become the record's message, level, time, and tag; every other
// top-level field is appended to the message as key=value, the way
// Handler formats attributes.
//
// A JSONLineParser reuses its parse buffers and is not safe for
// concurrent use.
type JSONLineParser struct {
	parser fastjson.Parser
}

// Parse converts line into a record. It reports false if line is not
// a JSON object. Lines without a recognizable level get fallback.
// Time is left zero when the line has none, so Emit stamps it.
func (p *JSONLineParser) Parse(line string, fallback Level) (Record, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Record{}, false
	}
	value, err := p.parser.Parse(trimmed)
	if err != nil {
		return Record{}, false
	}
	object, err := value.Object()
	if err != nil {
		return Record{}, false
	}

	record := Record{Level: fallback}
	consumed := make(map[string]bool)
	take := func(keys []string) *fastjson.Value {
		for _, key := range keys {
			if field := object.Get(key); field != nil {
				consumed[key] = true
				return field
			}
		}
		return nil
	}

	if field := take(messageKeys); field != nil {
		record.Message = stringValue(field)
	}
	if field := take(levelKeys); field != nil {
		if level, ok := jsonLevel(field); ok {
			record.Level = level
		}
	}
	if field := take(timeKeys); field != nil {
		record.Time = jsonTime(field)
	}
	if field := take(tagKeys); field != nil {
		record.Tag = stringValue(field)
	}

	var builder strings.Builder
	builder.WriteString(record.Message)
	object.Visit(func(key []byte, field *fastjson.Value) {
		if consumed[string(key)] {
			return
		}
		appendKeyValue(&builder, string(key), stringValue(field))
	})
	record.Message = strings.TrimPrefix(builder.String(), " ")
	return record, true
}

// stringValue returns strings unquoted and anything else as JSON text.
func stringValue(field *fastjson.Value) string {
	if field.Type() == fastjson.TypeString {
		return string(field.GetStringBytes())
	}
	return field.String()
}

// jsonLevel accepts level names and slog's numeric levels.
func jsonLevel(field *fastjson.Value) (Level, bool) {
	switch field.Type() {
	case fastjson.TypeString:
		level, err := ParseLevel(string(field.GetStringBytes()))
		return level, err == nil
	case fastjson.TypeNumber:
		return LevelFromSlog(slog.Level(field.GetInt())), true
	default:
		return 0, false
	}
}

// jsonTime accepts RFC 3339 strings and Unix timestamps. The unit of a
// numeric timestamp is inferred from its magnitude. Unparseable values
// yield the zero time.
func jsonTime(field *fastjson.Value) time.Time {
	switch field.Type() {
	case fastjson.TypeString:
		parsed, err := time.Parse(time.RFC3339Nano, string(field.GetStringBytes()))
		if err != nil {
			return time.Time{}
		}
		return parsed
	case fastjson.TypeNumber:
		number := field.GetFloat64()
		switch magnitude := math.Abs(number); {
		case magnitude >= 1e17:
			return time.Unix(0, int64(number))
		case magnitude >= 1e14:
			return time.UnixMicro(int64(number))
		case magnitude >= 1e11:
			return time.UnixMilli(int64(number))
		default:
			seconds, fraction := math.Modf(number)
			return time.Unix(int64(seconds), int64(fraction*1e9))
		}
	default:
		return time.Time{}
	}
}
