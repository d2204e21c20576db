package backlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/irc.v4"
)

type discardLogger struct{}

func (discardLogger) Printf(format string, v ...interface{}) {}

func testRecord(text string) *Record {
	return &Record{
		Time:   time.Unix(1600000000, 0),
		Kind:   KindMessage,
		Source: "alice",
		Message: &irc.Message{
			Prefix:  &irc.Prefix{Name: "alice", User: "a", Host: "example.org"},
			Command: "PRIVMSG",
			Params:  []string{"#test", text},
		},
	}
}

func recordText(rec *Record) string {
	return rec.Message.Params[len(rec.Message.Params)-1]
}

func testStore(t *testing.T, ms Store) {
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three", "four"} {
		seq, err := ms.Append(ctx, "#test", testRecord(text))
		if err != nil {
			t.Fatalf("Append() = %v", err)
		}
		if want := uint64(i + 1); seq != want {
			t.Errorf("Append() = %v, but want %v", seq, want)
		}
	}

	recs, err := ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("Load() returned %v records, but want 4", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != uint64(i+1) {
			t.Errorf("record %v: Seq = %v, but want %v", i, rec.Seq, i+1)
		}
	}
	if rec := recs[0]; rec.Source != "alice" || rec.Message.Prefix.Host != "example.org" || recordText(rec) != "one" {
		t.Errorf("Load()[0] = %+v, message %v", rec, rec.Message)
	}
	if !recs[0].Time.Equal(time.Unix(1600000000, 0)) {
		t.Errorf("Load()[0].Time = %v", recs[0].Time)
	}

	n, err := ms.Discard(ctx, "#test", 2)
	if err != nil {
		t.Fatalf("Discard() = %v", err)
	}
	if n != 2 {
		t.Errorf("Discard() = %v, but want 2", n)
	}
	// Already discarded
	if n, err := ms.Discard(ctx, "#test", 1); err != nil || n != 0 {
		t.Errorf("Discard() = %v, %v, but want 0, nil", n, err)
	}

	first, next, err := ms.Bounds(ctx, "#test")
	if err != nil {
		t.Fatalf("Bounds() = %v", err)
	}
	if first != 3 || next != 5 {
		t.Errorf("Bounds() = %v, %v, but want 3, 5", first, next)
	}

	seq, err := ms.Append(ctx, "#test", testRecord("five"))
	if err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if seq != 5 {
		t.Errorf("Append() after Discard() = %v, but want 5", seq)
	}

	recs, err = ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	var texts []string
	for _, rec := range recs {
		texts = append(texts, recordText(rec))
	}
	if len(texts) != 3 || texts[0] != "three" || texts[2] != "five" || recs[0].Seq != 3 {
		t.Errorf("Load() after Discard() = %q", texts)
	}

	seq, err = ms.Reset(ctx, "#test", &Record{
		Time:     time.Now(),
		Kind:     KindSnapshot,
		Snapshot: &Snapshot{Topic: "hello", TopicKnown: true, Members: []string{"@alice", "bob"}},
	})
	if err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	if seq != 6 {
		t.Errorf("Reset() = %v, but want 6", seq)
	}
	recs, err = ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != KindSnapshot || recs[0].Snapshot.Topic != "hello" || len(recs[0].Snapshot.Members) != 2 {
		t.Errorf("Load() after Reset() = %+v", recs)
	}

	// Contexts are independent
	if seq, err := ms.Append(ctx, NickContext, testRecord("private")); err != nil || seq != 1 {
		t.Errorf("Append(NickContext) = %v, %v, but want 1, nil", seq, err)
	}
}

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()
	testStore(t, ms)
}

func TestFSStore(t *testing.T) {
	ms := NewFSStore(t.TempDir(), "user", "net", discardLogger{})
	defer ms.Close()
	testStore(t, ms)
}

func TestFSStorePersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ms := NewFSStore(dir, "user", "net", discardLogger{})
	for _, text := range []string{"one", "two", "three"} {
		if _, err := ms.Append(ctx, "#test", testRecord(text)); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
	if _, err := ms.Discard(ctx, "#test", 1); err != nil {
		t.Fatalf("Discard() = %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	ms = NewFSStore(dir, "user", "net", discardLogger{})
	defer ms.Close()
	recs, err := ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(recs) != 2 || recs[0].Seq != 2 || recordText(recs[0]) != "two" {
		t.Fatalf("Load() after reopening returned %v records", len(recs))
	}
	if seq, err := ms.Append(ctx, "#test", testRecord("four")); err != nil || seq != 4 {
		t.Errorf("Append() after reopening = %v, %v, but want 4, nil", seq, err)
	}
}

func TestFSStoreTruncatedTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ms := NewFSStore(dir, "user", "net", discardLogger{})
	for _, text := range []string{"one", "two"} {
		if _, err := ms.Append(ctx, "#test", testRecord(text)); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
	ms.Close()

	path := filepath.Join(dir, "user", "net", "#test")
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat backlog file: %v", err)
	}
	// Simulate a write interrupted in the middle of the last record
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatalf("failed to truncate backlog file: %v", err)
	}

	ms = NewFSStore(dir, "user", "net", discardLogger{})
	defer ms.Close()
	recs, err := ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(recs) != 1 || recordText(recs[0]) != "one" {
		t.Fatalf("Load() returned %v records, but want 1", len(recs))
	}
	if seq, err := ms.Append(ctx, "#test", testRecord("three")); err != nil || seq != 2 {
		t.Errorf("Append() = %v, %v, but want 2, nil", seq, err)
	}
	recs, err = ms.Load(ctx, "#test")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(recs) != 2 || recordText(recs[1]) != "three" {
		t.Errorf("Load() returned %v records, but want 2", len(recs))
	}
}

func TestFSStoreLocked(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ms1 := NewFSStore(dir, "user", "net", discardLogger{})
	defer ms1.Close()
	if _, err := ms1.Append(ctx, "#test", testRecord("one")); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	// Rewriting must keep the file locked
	if _, err := ms1.Discard(ctx, "#test", 1); err != nil {
		t.Fatalf("Discard() = %v", err)
	}

	ms2 := NewFSStore(dir, "user", "net", discardLogger{})
	defer ms2.Close()
	if _, err := ms2.Append(ctx, "#test", testRecord("two")); !errors.Is(err, ErrLocked) {
		t.Errorf("Append() on locked context = %v, but want ErrLocked", err)
	}
}

func TestFSStoreEviction(t *testing.T) {
	ctx := context.Background()
	ms := NewFSStore(t.TempDir(), "user", "net", discardLogger{}).(*fsStore)
	defer ms.Close()

	for i := 0; i < fsStoreMaxFiles+5; i++ {
		name := "#chan" + string(rune('a'+i))
		if _, err := ms.Append(ctx, name, testRecord("hi")); err != nil {
			t.Fatalf("Append(%q) = %v", name, err)
		}
	}
	if len(ms.files) > fsStoreMaxFiles {
		t.Errorf("%v files open, but want at most %v", len(ms.files), fsStoreMaxFiles)
	}

	// Evicted contexts are reopened transparently
	recs, err := ms.Load(ctx, "#chana")
	if err != nil || len(recs) != 1 {
		t.Errorf("Load() = %v records, %v", len(recs), err)
	}
}

func TestEscapeFilename(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"#test", "#test"},
		{".", "-"},
		{"..", "--"},
		{"#a/b\\c", "#a-b-c"},
	}
	for _, tc := range testCases {
		if got := EscapeFilename(tc.in); got != tc.want {
			t.Errorf("EscapeFilename(%q) = %q, but want %q", tc.in, got, tc.want)
		}
	}
}
