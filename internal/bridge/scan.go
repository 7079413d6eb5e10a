package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/RenatoCabral2022/tsbridge/internal/capture"
	"github.com/RenatoCabral2022/tsbridge/internal/scan"
)

// Scan is one offline channel scan and the channels it has finished.
type Scan struct {
	ID      string
	Started time.Time
	scanner *scan.Scanner

	mu       sync.Mutex
	channels []capture.Channel
}

// ScanStatus is the JSON view of a scan.
type ScanStatus struct {
	ID       string            `json:"id"`
	Started  time.Time         `json:"started"`
	Progress scan.Progress     `json:"progress"`
	Channels []capture.Channel `json:"channels"`
}

func (s *Scan) Status() ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, s.scanner.ScannedChannelsAndClear()...)
	return ScanStatus{
		ID:       s.ID,
		Started:  s.Started,
		Progress: s.scanner.Progress(),
		Channels: append([]capture.Channel{}, s.channels...),
	}
}

// Wait blocks until the scan finishes or ctx is done.
func (s *Scan) Wait(ctx context.Context) error { return s.scanner.Wait(ctx) }
