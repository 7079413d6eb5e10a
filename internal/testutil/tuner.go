package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Tuner is an HTTP tuner. /auto/v5 (with any zero padding) streams GOPs
// until the client goes away, /auto/v7 answers but never sends a byte, and
// every other channel is 404. Requests under /tune/ are counted.
type Tuner struct {
	srv   *httptest.Server
	tunes atomic.Int32
}

// NewTuner starts a tuner that is closed with the test.
func NewTuner(t *testing.T) *Tuner {
	t.Helper()
	tu := &Tuner{}
	tu.srv = httptest.NewServer(http.HandlerFunc(tu.serve))
	t.Cleanup(tu.srv.Close)
	return tu
}

func (tu *Tuner) URL() string { return tu.srv.URL }

func (tu *Tuner) Client() *http.Client { return tu.srv.Client() }

func (tu *Tuner) Tunes() int { return int(tu.tunes.Load()) }

func (tu *Tuner) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/tune/") {
		tu.tunes.Add(1)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ch, ok := strings.CutPrefix(r.URL.Path, "/auto/v")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch strings.TrimLeft(ch, "0") {
	case "5":
		w.Header().Set("Content-Type", "video/mp2t")
		ts := NewTSStream()
		flusher, _ := w.(http.Flusher)
		for {
			if _, err := w.Write(ts.GOP(2)); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	case "7":
		w.WriteHeader(http.StatusOK)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-r.Context().Done()
	default:
		http.NotFound(w, r)
	}
}
