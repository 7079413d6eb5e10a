package ringbuffer

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestNewCapacity(t *testing.T) {
	rb := New(4096)
	if rb.Capacity() != 4096 {
		t.Errorf("expected capacity 4096, got %d", rb.Capacity())
	}
	if rb.Free() != 4096 {
		t.Errorf("expected 4096 free bytes, got %d", rb.Free())
	}
}

func TestWriteThenRead(t *testing.T) {
	rb := New(16)
	data := []byte("hello transport")
	if n, err := rb.Write(data); err != nil || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	out := make([]byte, 32)
	n, err := rb.Read(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out[:n], data) {
		t.Errorf("expected %q, got %q", data, out[:n])
	}
}

func TestWrapAround(t *testing.T) {
	rb := New(10)
	out := make([]byte, 10)

	rb.Write([]byte("abcdefgh"))
	rb.Read(out[:6])
	rb.Write([]byte("ijklmn")) // wraps past the end of the backing slice

	n, _ := rb.Read(out)
	if got := string(out[:n]); got != "ghijklmn" {
		t.Errorf("expected ghijklmn, got %q", got)
	}
}

func TestConservation(t *testing.T) {
	rb := New(64)
	src := make([]byte, 10000)
	for i := range src {
		src[i] = byte(i % 251)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for off := 0; off < len(src); off += 37 {
			end := off + 37
			if end > len(src) {
				end = len(src)
			}
			if _, err := rb.Write(src[off:end]); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		rb.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, 23)
	for {
		n, err := rb.Read(buf)
		got.Write(buf[:n])
		if int64(got.Len()) > rb.Written() {
			t.Fatalf("read %d bytes but only %d written", got.Len(), rb.Written())
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	wg.Wait()

	if !bytes.Equal(got.Bytes(), src) {
		t.Errorf("read stream differs from written stream (%d vs %d bytes)", got.Len(), len(src))
	}
}

func TestWriteLargerThanCapacity(t *testing.T) {
	rb := New(8)
	src := []byte("0123456789abcdefghij")

	done := make(chan error, 1)
	go func() {
		_, err := rb.Write(src)
		done <- err
	}()

	var got []byte
	buf := make([]byte, 5)
	for len(got) < len(src) {
		n, err := rb.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != string(src) {
		t.Errorf("expected %q, got %q", src, got)
	}
}

func TestReaderReleasedByWrite(t *testing.T) {
	rb := New(8)
	got := make(chan int, 1)
	go func() {
		n, _ := rb.Read(make([]byte, 8))
		got <- n
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Write([]byte{1, 2, 3})

	select {
	case n := <-got:
		if n != 3 {
			t.Errorf("expected 3 bytes, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not released by write")
	}
}

func TestCloseWakesAllWaiters(t *testing.T) {
	full := New(4)
	full.Write([]byte{1, 2, 3, 4})
	empty := New(4)

	writeErr := make(chan error, 1)
	readErr := make(chan error, 1)
	go func() {
		_, err := full.Write([]byte{5})
		writeErr <- err
	}()
	go func() {
		_, err := empty.Read(make([]byte, 4))
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	full.Close()
	empty.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-writeErr:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("expected ErrClosed from blocked writer, got %v", err)
			}
		case err := <-readErr:
			if err != io.EOF {
				t.Errorf("expected io.EOF from blocked reader, got %v", err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("close did not wake waiter")
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("waiters took %v to wake", elapsed)
	}

	if _, err := empty.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on write after close, got %v", err)
	}
	if _, err := empty.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected io.EOF on read after close, got %v", err)
	}
}

func TestCloseDrainsRemaining(t *testing.T) {
	rb := New(8)
	rb.Write([]byte{9, 8, 7})
	rb.Close()
	rb.Close()

	buf := make([]byte, 8)
	n, err := rb.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 buffered bytes after close, got n=%d err=%v", n, err)
	}
	if _, err := rb.Read(buf); err != io.EOF {
		t.Errorf("expected io.EOF once drained, got %v", err)
	}
}

func TestSeekRequiresNoWrap(t *testing.T) {
	rb := New(16)
	rb.Write([]byte("abcdef"))
	if _, err := rb.Seek(0, io.SeekStart); !errors.Is(err, ErrSeekNotAllowed) {
		t.Errorf("expected ErrSeekNotAllowed, got %v", err)
	}
}

func TestSeekRescansProbeData(t *testing.T) {
	rb := New(16)
	rb.Write([]byte("skip"))
	rb.Read(make([]byte, 4))

	rb.SetNoWrap(true)
	rb.Write([]byte("probe-data"))

	buf := make([]byte, 5)
	rb.Read(buf)
	if string(buf) != "probe" {
		t.Fatalf("expected probe, got %q", buf)
	}

	pos, err := rb.Seek(rb.Mark(), io.SeekStart)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if pos != 4 {
		t.Errorf("expected mark at 4, got %d", pos)
	}
	if _, err := rb.Seek(3, io.SeekStart); !errors.Is(err, ErrSeekNotAllowed) {
		t.Errorf("expected seek before mark to fail, got %v", err)
	}
	if _, err := rb.Seek(1, io.SeekEnd); !errors.Is(err, ErrSeekNotAllowed) {
		t.Errorf("expected seek past write cursor to fail, got %v", err)
	}

	all := make([]byte, 16)
	n, _ := rb.Read(all)
	if string(all[:n]) != "probe-data" {
		t.Errorf("expected probe-data after rewind, got %q", all[:n])
	}
}

func TestNoWrapBlocksOverwrite(t *testing.T) {
	rb := New(8)
	rb.SetNoWrap(true)
	rb.Write([]byte("12345678"))
	rb.Read(make([]byte, 8)) // consumed, but still retained for seeking

	if free := rb.Free(); free != 0 {
		t.Fatalf("expected no free space while retaining probe data, got %d", free)
	}

	done := make(chan struct{})
	go func() {
		rb.Write([]byte("x"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write overwrote retained probe data")
	case <-time.After(50 * time.Millisecond):
	}

	rb.SetNoWrap(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write still blocked after leaving no-wrap mode")
	}
}

func TestClearReopens(t *testing.T) {
	rb := New(8)
	rb.Write([]byte{1, 2})
	rb.Close()
	rb.Clear()

	if rb.Closed() {
		t.Fatal("expected buffer reopened after clear")
	}
	if rb.Available() != 0 || rb.Written() != 0 {
		t.Errorf("expected empty buffer, available=%d written=%d", rb.Available(), rb.Written())
	}
	if _, err := rb.Write([]byte{3}); err != nil {
		t.Errorf("write after clear: %v", err)
	}
}
