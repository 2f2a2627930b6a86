// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/logrelay/lib/tui"
	"github.com/bureau-foundation/logrelay/relay"
)

const timestampLayout = "15:04:05.000"

// printer renders feed events as text lines or JSON lines.
type printer struct {
	out     io.Writer
	json    bool
	color   bool
	theme   tui.Theme
	minimum relay.Level
}

// jsonLine is the --json representation of one event.
type jsonLine struct {
	Producer string     `json:"producer"`
	Endpoint string     `json:"endpoint"`
	Kind     string     `json:"kind"`
	Time     *time.Time `json:"time,omitempty"`
	Level    string     `json:"level,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	Message  string     `json:"message,omitempty"`
	PID      uint32     `json:"pid,omitempty"`
	TID      uint32     `json:"tid,omitempty"`
	Sequence *uint64    `json:"sequence,omitempty"`

	// Set for drop notices.
	Dropped    *uint64 `json:"dropped,omitempty"`
	FromCursor *uint64 `json:"from_cursor,omitempty"`
}

func (p *printer) print(event relay.FeedEvent) error {
	producer := event.ProducerID
	if producer == "" {
		producer = event.Endpoint.Path
	}
	if event.Event.Kind == relay.EventRecord && event.Event.Record.Level < p.minimum {
		return nil
	}
	if p.json {
		return p.printJSON(producer, event)
	}

	var line string
	switch event.Event.Kind {
	case relay.EventRecord:
		record := event.Event.Record
		line = fmt.Sprintf("%s %s %s %s: %s",
			p.style(producer, tui.ProducerColor(producer)),
			p.style(record.Time.Format(timestampLayout), p.theme.FaintText),
			p.style(fmt.Sprintf("%-5s", record.Level), p.theme.LevelColor(int(record.Level))),
			record.Tag,
			record.Message)
	case relay.EventDropped:
		notice := event.Event.Dropped
		line = fmt.Sprintf("%s %s",
			p.style(producer, tui.ProducerColor(producer)),
			p.style(fmt.Sprintf("-- %d records dropped (from #%d) --", notice.Count, notice.FromCursor), p.theme.NoticeForeground))
	default:
		return nil
	}
	_, err := fmt.Fprintln(p.out, line)
	return err
}

func (p *printer) printJSON(producer string, event relay.FeedEvent) error {
	line := jsonLine{
		Producer: producer,
		Endpoint: event.Endpoint.String(),
	}
	switch event.Event.Kind {
	case relay.EventRecord:
		record := event.Event.Record
		line.Kind = "record"
		line.Time = &record.Time
		line.Level = record.Level.String()
		line.Tag = record.Tag
		line.Message = record.Message
		line.PID = record.ProcessID
		line.TID = record.ThreadID
		line.Sequence = &record.Sequence
	case relay.EventDropped:
		line.Kind = "dropped"
		notice := event.Event.Dropped
		line.Dropped = &notice.Count
		line.FromCursor = &notice.FromCursor
	default:
		return nil
	}
	return json.NewEncoder(p.out).Encode(line)
}

func (p *printer) style(text string, color lipgloss.Color) string {
	if !p.color {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}
