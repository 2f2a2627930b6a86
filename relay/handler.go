// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Emitter accepts records. *Sender implements it.
type Emitter interface {
	Emit(record Record) uint64
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Tag is used for records without a "tag" attribute.
	Tag string

	// Level is the minimum level handled. Nil means slog.LevelInfo.
	Level slog.Leveler
}

// Handler is a slog.Handler that turns log calls into relay records.
// Attributes are appended to the message as key=value pairs; a
// top-level attribute named "tag" sets the record's tag instead.
//
// Handle never blocks on observers, so a Handler can back the
// application's default logger.
type Handler struct {
	emitter Emitter
	tag     string
	level   slog.Leveler

	// prefix holds attributes from WithAttrs, already formatted.
	prefix string
	groups []string
}

// NewHandler returns a Handler feeding emitter.
func NewHandler(emitter Emitter, options *HandlerOptions) *Handler {
	handler := &Handler{emitter: emitter, level: slog.LevelInfo}
	if options != nil {
		handler.tag = options.Tag
		if options.Level != nil {
			handler.level = options.Level
		}
	}
	return handler
}

// Enabled reports whether level meets the handler's minimum.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle emits one record.
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	tag := h.tag
	var message strings.Builder
	message.WriteString(record.Message)
	message.WriteString(h.prefix)
	record.Attrs(func(attr slog.Attr) bool {
		if len(h.groups) == 0 && attr.Key == "tag" {
			tag = attr.Value.String()
			return true
		}
		appendAttr(&message, h.groups, attr)
		return true
	})

	relayRecord := NewRecord(LevelFromSlog(record.Level), tag, message.String())
	if !record.Time.IsZero() {
		relayRecord.Time = record.Time
	}
	h.emitter.Emit(relayRecord)
	return nil
}

// WithAttrs returns a handler that appends attrs to every message. A
// top-level "tag" attribute replaces the handler's tag.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	var prefix strings.Builder
	prefix.WriteString(h.prefix)
	for _, attr := range attrs {
		if len(h.groups) == 0 && attr.Key == "tag" {
			clone.tag = attr.Value.String()
			continue
		}
		appendAttr(&prefix, h.groups, attr)
	}
	clone.prefix = prefix.String()
	return &clone
}

// WithGroup returns a handler that qualifies later attribute keys with
// name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func appendAttr(builder *strings.Builder, groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		nested := groups
		if attr.Key != "" {
			nested = append(append([]string(nil), groups...), attr.Key)
		}
		for _, member := range attr.Value.Group() {
			appendAttr(builder, nested, member)
		}
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	appendKeyValue(builder, key, attr.Value.String())
}

// appendKeyValue writes " key=value", quoting values that are empty or
// would be ambiguous unquoted.
func appendKeyValue(builder *strings.Builder, key, value string) {
	builder.WriteByte(' ')
	builder.WriteString(key)
	builder.WriteByte('=')
	if value == "" || strings.ContainsAny(value, " \t\n\"=") {
		value = strconv.Quote(value)
	}
	builder.WriteString(value)
}
