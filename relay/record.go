// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// Level is a record's severity. Values are the wire encoding.
type Level uint8

const (
	LevelTrace Level = 0
	LevelDebug Level = 1
	LevelInfo  Level = 2
	LevelWarn  Level = 3
	LevelError Level = 4
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case level name. Levels from a newer peer
// that this version does not know print as LEVEL(n).
func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(level))
}

// ParseLevel accepts level names case-insensitively, plus the common
// spellings "warning" and "err".
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR", "ERR":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// LevelFromSlog maps slog levels onto relay levels. Anything below
// slog.LevelDebug is Trace.
func LevelFromSlog(level slog.Level) Level {
	switch {
	case level < slog.LevelDebug:
		return LevelTrace
	case level < slog.LevelInfo:
		return LevelDebug
	case level < slog.LevelWarn:
		return LevelInfo
	case level < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// Record is one log statement. It is a plain value: copying a Record
// copies everything, and nothing in the relay mutates a Record after
// it has been handed to Emit.
type Record struct {
	// Time is the wall-clock time of the log call.
	Time time.Time

	// Monotonic is the time since the producing Sender started,
	// measured on the monotonic clock. Unaffected by wall-clock
	// adjustments on the producer host.
	Monotonic time.Duration

	Level   Level
	Tag     string
	Message string

	ProcessID uint32
	ThreadID  uint32

	// Sequence is the record's ring cursor: the number of records the
	// producer emitted before this one. Set by the Sender.
	Sequence uint64
}

// NewRecord builds a record stamped with the current time, process id,
// and OS thread id.
func NewRecord(level Level, tag, message string) Record {
	return Record{
		Time:      time.Now(),
		Level:     level,
		Tag:       tag,
		Message:   message,
		ProcessID: uint32(os.Getpid()),
		ThreadID:  currentThreadID(),
	}
}

// String formats the record as a single log line.
func (record Record) String() string {
	return fmt.Sprintf("%s %-5s %d/%d %s: %s",
		record.Time.Format("15:04:05.000"), record.Level, record.ProcessID, record.ThreadID,
		record.Tag, record.Message)
}

// Limits on text fields so that any record fits in one frame.
const (
	maxTagLength     = 1024
	maxMessageLength = MaxFrameLength - 64*1024
	truncationMarker = "...[truncated]"
)

// sanitized returns the record with invalid UTF-8 replaced and
// over-long text truncated on a rune boundary. CBOR text strings must
// be valid UTF-8 or the observer's decoder rejects the frame.
func (record Record) sanitized() Record {
	record.Tag = sanitizeText(record.Tag, maxTagLength)
	record.Message = sanitizeText(record.Message, maxMessageLength)
	return record
}

func sanitizeText(text string, limit int) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	if len(text) <= limit {
		return text
	}
	cut := limit - len(truncationMarker)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
