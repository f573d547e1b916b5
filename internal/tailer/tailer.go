// Package tailer implements the real-time file tailer (C8): it
// follows a set of log files, reopening across rotation, parses each
// line against a syslog-style template chain, scores it with a
// lightweight keyword heuristic, and hands off a bounded stream of
// StreamEvents to whatever consumer is watching.
package tailer

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/quorum/internal/metrics"
	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/ensemble"
	"github.com/mdzesseis/quorum/pkg/types"
)

// Ordered syslog line templates, tried in sequence: RFC 3164 with a
// priority tag, RFC 5424, RFC 3164 without a priority tag, then a raw
// fallback that keeps the whole line as the message.
var (
	rfc3164WithPriority = regexp.MustCompile(
		`^<(?P<pri>\d{1,3})>(?P<month>\w{3})\s+(?P<day>\d{1,2})\s+(?P<time>\d{2}:\d{2}:\d{2})\s+(?P<host>\S+)\s+(?P<proc>[^:\[]+)(?:\[(?P<pid>\d+)\])?:\s*(?P<msg>.*)$`)
	rfc5424 = regexp.MustCompile(
		`^<(?P<pri>\d{1,3})>(?P<version>\d)\s+(?P<timestamp>\S+)\s+(?P<host>\S+)\s+(?P<proc>\S+)\s+(?P<pid>\S+)\s+(?P<msgid>\S+)\s+(?:-|\[.*?\])\s*(?P<msg>.*)$`)
	rfc3164NoPriority = regexp.MustCompile(
		`^(?P<month>\w{3})\s+(?P<day>\d{1,2})\s+(?P<time>\d{2}:\d{2}:\d{2})\s+(?P<host>\S+)\s+(?P<proc>[^:\[]+)(?:\[(?P<pid>\d+)\])?:\s*(?P<msg>.*)$`)
)

// ParseLine applies the template chain and returns the best-effort
// parsed fields. The raw fallback always succeeds, so ParseLine never
// fails — an unparseable line simply becomes a message-only event.
func ParseLine(line string) map[string]string {
	for _, re := range []*regexp.Regexp{rfc3164WithPriority, rfc5424, rfc3164NoPriority} {
		if m := re.FindStringSubmatch(line); m != nil {
			return namedGroups(re, m)
		}
	}
	return map[string]string{"msg": line}
}

func namedGroups(re *regexp.Regexp, match []string) map[string]string {
	out := make(map[string]string, len(match))
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}

// score is the tailer's own lightweight keyword heuristic: a small
// baseline-plus-bonus scheme distinct from (and cheaper than) the
// ensemble's keyword scorer, suited to per-line real-time scoring
// where a full feature extraction pass would be too slow.
func score(fields map[string]string, receivedAt time.Time) float64 {
	msg := strings.ToLower(fields["msg"])
	s := 0.20
	for kw, bump := range tailerKeywordBumps {
		if strings.Contains(msg, kw) {
			if bump > s {
				s = bump
			}
		}
	}
	hour := receivedAt.Hour()
	if hour < 6 || hour > 22 {
		s += 0.10
	}
	if s > 1 {
		s = 1
	}
	return s
}

var tailerKeywordBumps = map[string]float64{
	"failed password":        0.85,
	"authentication failure": 0.85,
	"invalid user":           0.80,
	"permission denied":      0.65,
	"sudo":                   0.55,
	"error":                  0.45,
	"warning":                0.35,
}

// severityFromScore bands a line score using the same thresholds as
// §4.5.1's calibrated-score bands (CRITICAL/HIGH/MEDIUM/LOW).
func severityFromScore(s float64) types.Severity {
	switch ensemble.SeverityBand(s) {
	case "CRITICAL":
		return types.SeverityCritical
	case "HIGH":
		return types.SeverityHigh
	case "MEDIUM":
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// Tailer watches a set of files and emits StreamEvents on Events().
// File rotation is handled by the underlying tail.Tail's own
// ReOpen/Follow machinery, which reopens by path and so naturally
// picks up a new inode after a rename-and-recreate rotation.
type Tailer struct {
	logger *logrus.Logger
	events chan types.StreamEvent

	mu      sync.Mutex
	tailers map[string]*tail.Tail
	wg      sync.WaitGroup
}

// New constructs a Tailer with a bounded event channel of the given
// depth.
func New(queueDepth int, logger *logrus.Logger) *Tailer {
	return &Tailer{
		logger:  logger,
		events:  make(chan types.StreamEvent, queueDepth),
		tailers: make(map[string]*tail.Tail),
	}
}

// Events returns the channel StreamEvents are delivered on.
func (t *Tailer) Events() <-chan types.StreamEvent { return t.events }

// AddFile starts following path from its current end, so a historical
// backlog is never replayed into the live stream.
func (t *Tailer) AddFile(ctx context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tailers[path]; exists {
		return nil
	}

	tf, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Poll:     false,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail file %s: %w", path, err)
	}
	t.tailers[path] = tf

	t.wg.Add(1)
	go t.run(ctx, path, tf)
	return nil
}

// RemoveFile stops following path; it is a no-op if path was never
// added.
func (t *Tailer) RemoveFile(path string) error {
	t.mu.Lock()
	tf, ok := t.tailers[path]
	if ok {
		delete(t.tailers, path)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return tf.Stop()
}

// Stop stops every followed file and waits for their goroutines to
// exit, then closes the event channel.
func (t *Tailer) Stop() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.tailers))
	for p := range t.tailers {
		paths = append(paths, p)
	}
	t.mu.Unlock()

	for _, p := range paths {
		_ = t.RemoveFile(p)
	}
	t.wg.Wait()
	close(t.events)
}

func (t *Tailer) run(ctx context.Context, path string, tf *tail.Tail) {
	defer t.wg.Done()
	defer tf.Cleanup()

	ino := inode(path)

	for {
		select {
		case <-ctx.Done():
			_ = tf.Stop()
			return

		case line, ok := <-tf.Lines:
			if !ok {
				if err := tf.Err(); err != nil && t.logger != nil {
					t.logger.WithError(err).WithField("file", path).Warn("tailer stopped with error")
				}
				return
			}
			if line.Err != nil {
				if t.logger != nil {
					t.logger.WithError(line.Err).WithField("file", path).Warn("line read error")
				}
				continue
			}

			if newIno := inode(path); newIno != ino && newIno != "" {
				ino = newIno
				metrics.TailerRotationsTotal.WithLabelValues(path).Inc()
			}
			metrics.TailerLinesTotal.WithLabelValues(path).Inc()

			fields := ParseLine(line.Text)
			sc := score(fields, line.Time)
			event := types.StreamEvent{
				File:         path,
				RawLine:      line.Text,
				ParsedFields: fields,
				Score:        sc,
				Severity:     severityFromScore(sc),
				ReceivedAt:   line.Time,
			}

			select {
			case <-ctx.Done():
				return
			case t.events <- event:
			default:
				if t.logger != nil {
					t.logger.WithField("file", path).Warn("event queue full, dropping line")
				}
			}
		}
	}
}

// syntheticLogRecord turns a scored tailer line into a LogRecord
// suitable for persistence, so a real-time hit can be analyzed
// alongside batch-ingested logs in the same store.
func syntheticLogRecord(event types.StreamEvent) types.LogRecord {
	msg := event.ParsedFields["msg"]
	if msg == "" {
		msg = event.RawLine
	}
	rec := types.LogRecord{
		Timestamp:   event.ReceivedAt,
		Source:      event.File,
		EventType:   "tailer",
		Severity:    event.Severity,
		Message:     msg,
		Hostname:    event.ParsedFields["host"],
		ProcessName: event.ParsedFields["proc"],
		Raw:         event.RawLine,
	}
	if pid, err := strconv.Atoi(event.ParsedFields["pid"]); err == nil {
		rec.ProcessID = &pid
	}
	return rec
}

// Consume drains Events() until the channel closes, invoking listener
// (if non-nil) for every event and persisting every event scoring
// >= 0.55 to the log store as a synthetic record (§4.8). Callers that
// want Events() for themselves (tests, alternate consumers) should not
// also call Consume, since a channel has only one reader.
func (t *Tailer) Consume(ctx context.Context, st *store.Store, listener func(types.StreamEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-t.events:
			if !ok {
				return
			}
			if listener != nil {
				listener(event)
			}
			if event.Score < 0.55 || st == nil {
				continue
			}
			if _, err := st.InsertBatch(ctx, []types.LogRecord{syntheticLogRecord(event)}); err != nil && t.logger != nil {
				t.logger.WithError(err).WithField("file", event.File).Warn("failed to persist synthetic tailer log")
			}
		}
	}
}

// inode returns a string identity for path's current underlying file,
// used only to detect that a rotation has happened (not to reopen —
// tail.Tail's own ReOpen already does that by path).
func inode(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	return strconv.FormatUint(sys.Ino, 10)
}
