package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"chatrelay/internal/feature"
)

func TestAppendAllClear(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := l.All(); len(got) != 0 {
		t.Fatalf("expected empty log, got %v", got)
	}

	m1 := Message{Role: RoleUser, Content: "hi", Kind: feature.KindText}
	m2 := Message{Role: RoleAssistant, Content: "https://img/cat.png", Kind: feature.KindImageURL}
	if err := l.Append(m1); err != nil {
		t.Fatalf("append m1: %v", err)
	}
	if err := l.Append(m2); err != nil {
		t.Fatalf("append m2: %v", err)
	}

	got := l.All()
	if len(got) != 2 || got[0] != m1 || got[1] != m2 {
		t.Fatalf("unexpected entries %+v", got)
	}
	again := l.All()
	if len(again) != 2 || again[0] != got[0] || again[1] != got[1] {
		t.Fatalf("All is not stable: %+v vs %+v", got, again)
	}
	got[0].Content = "mutated"
	if l.All()[0].Content != "hi" {
		t.Fatalf("All exposed internal storage")
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := l.All(); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %v", got)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected history file removed, stat err=%v", err)
	}
}

func TestLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = l.Append(Message{Role: RoleUser, Content: "first"})
	_ = l.Append(Message{Role: RoleAssistant, Content: "second"})

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.All()
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "second" || got[0].Kind != feature.KindText {
		t.Fatalf("unexpected reopened entries %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestAppendIfAbsent(t *testing.T) {
	l, _ := Open(t.TempDir())
	m := Message{Role: RoleAssistant, Content: "Stay hungry"}

	added, err := l.AppendIfAbsent(m)
	if err != nil || !added {
		t.Fatalf("expected first append, got %v %v", added, err)
	}
	added, err = l.AppendIfAbsent(Message{Role: RoleAssistant, Content: "Stay hungry", Kind: feature.KindImageURL})
	if err != nil || added {
		t.Fatalf("expected duplicate to be skipped, got %v %v", added, err)
	}
	if added, _ := l.AppendIfAbsent(Message{Role: RoleUser, Content: "Stay hungry"}); !added {
		t.Fatalf("different role must not count as duplicate")
	}
	if l.Len() != 2 || !l.Contains(RoleUser, "Stay hungry") {
		t.Fatalf("unexpected log %+v", l.All())
	}
}

func TestDecodeLegacyRole(t *testing.T) {
	var msgs []Message
	if err := json.Unmarshal([]byte(`[{"role":"cs","text":"hello"},{"role":"user","text":"hey","kind":"text"}]`), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msgs[0].Role != RoleAssistant || msgs[0].Kind != feature.KindText || msgs[1].Content != "hey" {
		t.Fatalf("unexpected decode %+v", msgs)
	}

	b, _ := json.Marshal(Message{Role: RoleUser, Content: "x", Kind: feature.KindText})
	if string(b) != `{"role":"user","text":"x","kind":"text"}` {
		t.Fatalf("unexpected encoding %s", b)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatalf("expected error on corrupt history")
	}
}
