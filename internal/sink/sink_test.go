package sink

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/testutil"
)

func TestFileSinkUnbounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.ts")
	s, err := OpenFile(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Write([]byte("hello "))
	s.Write([]byte("world"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "hello world" {
		t.Errorf("expected hello world, got %q", got)
	}
	if s.Written() != 11 {
		t.Errorf("expected 11 written, got %d", s.Written())
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, fs.ErrClosed) {
		t.Errorf("expected fs.ErrClosed after close, got %v", err)
	}
}

func TestFileSinkCircularWrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preview.ts")
	s, err := OpenFile(path, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.Write([]byte("01234567"))
	s.Write([]byte("abcdef"))
	if s.Position() != 4 {
		t.Errorf("expected on-disk offset 4 after wrap, got %d", s.Position())
	}
	if s.Written() != 14 {
		t.Errorf("expected written to keep counting past the bound, got %d", s.Written())
	}

	got, _ := os.ReadFile(path)
	if string(got) != "cdef4567ab" {
		t.Errorf("expected cdef4567ab, got %q", got)
	}
	info, _ := os.Stat(path)
	if info.Size() != 10 {
		t.Errorf("expected file to stay at 10 bytes, got %d", info.Size())
	}
}

func TestFileSinkRecreatesDeletedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted.ts")
	s, err := OpenFile(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	s.SetCheckInterval(4)

	s.Write([]byte("before"))
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Write([]byte("after")); err != nil {
		t.Fatalf("write after delete: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("file was not re-created: %v", err)
	}
	if string(got) != "after" {
		t.Errorf("expected re-created file to hold after, got %q", got)
	}
	if s.Written() != 11 {
		t.Errorf("expected 11 bytes accepted, got %d", s.Written())
	}
}

func TestFileSinkRetriesWholeWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.ts")
	s, err := OpenFile(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.Write([]byte("before"))
	s.f.Close()
	n, err := s.Write([]byte("after"))
	if err != nil || n != 5 {
		t.Fatalf("expected 5 bytes after reopen, got %d (%v)", n, err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "after" {
		t.Errorf("expected re-created file to hold after, got %q", got)
	}
	if s.Written() != 11 {
		t.Errorf("expected 11 bytes accepted, got %d", s.Written())
	}
}

func TestFileSinkStallsWhenDirectoryGone(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	os.Mkdir(dir, 0o755)
	path := filepath.Join(dir, "rec.ts")
	s, err := OpenFile(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	s.SetCheckInterval(1)

	s.Write([]byte("x"))
	os.RemoveAll(dir)
	if _, err := s.Write([]byte("y")); !errors.Is(err, ErrStalled) {
		t.Errorf("expected ErrStalled, got %v", err)
	}
}

func TestUploadSinkWrapAndSwitch(t *testing.T) {
	srv := testutil.NewMediaServer(t)
	s, err := OpenUpload(context.Background(), srv.Addr(), "a.ts", 1, 8, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s.Write([]byte("123456"))
	s.Write([]byte("7890"))
	if s.Written() != 10 {
		t.Errorf("expected 10 written, got %d", s.Written())
	}

	if err := s.Switch("b.ts", 2, 0); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if s.Written() != 0 {
		t.Errorf("expected written reset on switch, got %d", s.Written())
	}
	s.Write([]byte("next"))
	s.Close()
	s.Close()

	if got := string(srv.File("a.ts")); got != "90345678" {
		t.Errorf("a.ts: expected wrapped 90345678, got %q", got)
	}
	if got := string(srv.File("b.ts")); got != "next" {
		t.Errorf("b.ts: expected next, got %q", got)
	}
}

func TestUploadSinkOpenRejected(t *testing.T) {
	srv := testutil.NewMediaServer(t)
	srv.RejectOpen(true)
	if _, err := OpenUpload(context.Background(), srv.Addr(), "x.txt", 1, 0, zap.NewNop()); err == nil {
		t.Fatal("expected open to fail when the server rejects the file")
	}
}

func TestRemuxSinkSetupAndSwitch(t *testing.T) {
	srv := testutil.NewMediaServer(t)
	s, err := OpenRemux(context.Background(), srv.Addr(), "live.ts", 5, 4096, true, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Write(bytes.Repeat([]byte{0x47}, 188))
	if ok, err := s.Initialized(); err != nil || !ok {
		t.Errorf("expected remux initialized, got %v (%v)", ok, err)
	}
	if n, err := s.RemoteSize(); err != nil || n != 188 {
		t.Errorf("expected remote size 188, got %d (%v)", n, err)
	}
	if err := s.Switch("next.ts", 6, 0); err != nil {
		t.Fatalf("switch: %v", err)
	}
	s.Close()

	cmds := srv.Commands()
	want := []string{"WRITEOPEN live.ts 5", "REMUX_SETUP AUTO TS TRUE", "REMUX_CONFIG BUFFER 4096"}
	for i, w := range want {
		if i >= len(cmds) || cmds[i] != w {
			t.Fatalf("expected command %d to be %q, got %v", i, w, cmds)
		}
	}
	found := false
	for _, c := range cmds {
		if c == "REMUX_SWITCH next.ts 6" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected REMUX_SWITCH in %v", cmds)
	}
}

func TestNullSinkCounts(t *testing.T) {
	var s NullSink
	s.Write(make([]byte, 100))
	s.Write(make([]byte, 88))
	if s.Written() != 188 {
		t.Errorf("expected 188, got %d", s.Written())
	}
	if s.Target() != "null" {
		t.Errorf("unexpected target %q", s.Target())
	}
}
