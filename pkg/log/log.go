// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMicro .
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level  Level
	time   UnixMicro // Timestamp.
	src    string    // Source.
	stream string    // Source stream id.

	logger *Logger
}

// Entry defines log entry.
type Entry struct {
	Level  Level     `json:"level"`
	Time   UnixMicro `json:"time"` // Timestamp.
	Src    string    `json:"src"`
	Stream string    `json:"stream"`
	Msg    string    `json:"msg"`
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Stream sets event stream.
func (e *Event) Stream(streamID string) *Event {
	e.stream = streamID
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	entry := Entry{
		Time:   e.time,
		Level:  e.level,
		Src:    e.src,
		Stream: e.stream,
		Msg:    msg,
	}

	select {
	case e.logger.feed <- entry:
	case <-e.logger.done:
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

type logFeed chan Entry

// subscriberBufferSize entries are buffered per subscriber
// before new entries are dropped.
const subscriberBufferSize = 100

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	// Closed when the logger is stopped, unblocks senders.
	done chan struct{}

	wg *sync.WaitGroup
}

// NewLogger returns a Logger, call Start to start it.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		done:  make(chan struct{}),
		wg:    wg,
	}
}

// NewMockLogger returns a started logger that is never stopped, used for testing.
func NewMockLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{})
	l.Start(context.Background())
	return l
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				close(l.done)
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case entry := <-l.feed:
				for ch := range subs {
					// Drop the entry if the subscriber is behind.
					select {
					case ch <- entry:
					default:
					}
				}
			}
		}
	}()
}

// Done returns a channel that is closed when the logger is stopped.
func (l *Logger) Done() <-chan struct{} {
	return l.done
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Entry, CancelFunc) {
	feed := make(logFeed, subscriberBufferSize)
	select {
	case l.sub <- feed:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.done:
			return
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	l.LogToWriter(ctx, os.Stdout)
}

// LogToWriter prints log feed to w until the context is canceled.
func (l *Logger) LogToWriter(ctx context.Context, w io.Writer) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case entry, ok := <-feed:
			if !ok {
				return
			}
			fmt.Fprintln(w, formatEntry(entry))
		case <-ctx.Done():
			return
		}
	}
}

func formatEntry(entry Entry) string {
	var output string

	switch entry.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if entry.Stream != "" {
		output += entry.Stream + ": "
	}
	if entry.Src != "" {
		output += strings.ToUpper(entry.Src[:1]) + entry.Src[1:] + ": "
	}

	return output + entry.Msg
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}
