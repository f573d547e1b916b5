package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mdzesseis/quorum/internal/store"
	"github.com/mdzesseis/quorum/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/nxadm/tail.(*Tail).tailFileSync"))
}

func TestParseLineRFC3164WithPriority(t *testing.T) {
	fields := ParseLine("<34>Oct 11 22:14:15 mymachine sshd[1234]: Failed password for root")
	if fields["host"] != "mymachine" {
		t.Fatalf("expected host mymachine, got %q", fields["host"])
	}
	if fields["proc"] != "sshd" {
		t.Fatalf("expected proc sshd, got %q", fields["proc"])
	}
	if fields["pid"] != "1234" {
		t.Fatalf("expected pid 1234, got %q", fields["pid"])
	}
	if fields["msg"] != "Failed password for root" {
		t.Fatalf("unexpected msg %q", fields["msg"])
	}
}

func TestParseLineRFC3164WithoutPriority(t *testing.T) {
	fields := ParseLine("Oct 11 22:14:15 mymachine su: authentication failure")
	if fields["host"] != "mymachine" {
		t.Fatalf("expected host mymachine, got %q", fields["host"])
	}
	if fields["msg"] != "authentication failure" {
		t.Fatalf("unexpected msg %q", fields["msg"])
	}
}

func TestParseLineRawFallback(t *testing.T) {
	fields := ParseLine("not a recognizable syslog line at all")
	if fields["msg"] != "not a recognizable syslog line at all" {
		t.Fatalf("expected raw fallback to preserve the line, got %q", fields["msg"])
	}
}

func TestScoreKeywordAndAfterHoursBump(t *testing.T) {
	fields := map[string]string{"msg": "Failed password for invalid user root"}
	afterHours := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	businessHours := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	sAfter := score(fields, afterHours)
	sBusiness := score(fields, businessHours)
	if sAfter <= sBusiness {
		t.Fatalf("expected after-hours bump: %v should exceed %v", sAfter, sBusiness)
	}
	if sAfter > 1 {
		t.Fatalf("expected score clamped to 1, got %v", sAfter)
	}
}

func TestTailerEmitsEventsForAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tl := New(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tl.AddFile(ctx, path); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("Oct 11 22:14:15 mymachine sshd[1]: Failed password for root\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	select {
	case ev := <-tl.Events():
		if ev.ParsedFields["proc"] != "sshd" {
			t.Fatalf("expected parsed proc sshd, got %+v", ev.ParsedFields)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tailer event")
	}

	cancel()
	tl.Stop()
}

func TestSeverityFromScoreMatchesEnsembleBands(t *testing.T) {
	cases := []struct {
		score float64
		want  types.Severity
	}{
		{0.95, types.SeverityCritical},
		{0.90, types.SeverityCritical},
		{0.80, types.SeverityHigh},
		{0.75, types.SeverityHigh},
		{0.60, types.SeverityMedium},
		{0.55, types.SeverityMedium},
		{0.20, types.SeverityLow},
	}
	for _, c := range cases {
		if got := severityFromScore(c.score); got != c.want {
			t.Fatalf("severityFromScore(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestConsumePersistsHighScoreEventsAndInvokesListener(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tailer.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tl := New(10, nil)
	var seen []types.StreamEvent

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tl.Consume(ctx, st, func(e types.StreamEvent) { seen = append(seen, e) })
		close(done)
	}()

	tl.events <- types.StreamEvent{File: "auth.log", RawLine: "Failed password for root", ParsedFields: map[string]string{"msg": "Failed password for root"}, Score: 0.9, Severity: types.SeverityHigh, ReceivedAt: time.Now()}
	tl.events <- types.StreamEvent{File: "auth.log", RawLine: "session opened", ParsedFields: map[string]string{"msg": "session opened"}, Score: 0.2, Severity: types.SeverityLow, ReceivedAt: time.Now()}

	deadline := time.After(2 * time.Second)
	for {
		count, err := st.CountLogsInWindow(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("CountLogsInWindow: %v", err)
		}
		if count == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for synthetic log to persist, got count=%d", count)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if len(seen) != 2 {
		t.Fatalf("expected listener invoked for both events, got %d", len(seen))
	}
}
