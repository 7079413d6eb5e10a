// Package capture drives tuners that deliver a transport stream and feeds
// it to a stream consumer.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/RenatoCabral2022/tsbridge/internal/consumer"
)

// ErrLocked is returned when a device is already encoding.
var ErrLocked = errors.New("capture device is locked")

// Channel is one lineup entry and the result of its last offline scan.
type Channel struct {
	Number  string    `json:"number"`
	Name    string    `json:"name,omitempty"`
	Program int       `json:"program,omitempty"`
	Tunable bool      `json:"tunable"`
	Scanned time.Time `json:"scanned,omitempty"`
}

// Request describes a recording. An upload id with an address takes
// precedence over Filename when the consumer accepts uploads; with neither
// the stream is consumed to null.
type Request struct {
	Channel    string
	Program    int
	Quality    string
	Consumer   string
	Filename   string
	UploadID   int
	Address    string
	BufferSize int64
}

// Device is a tuner that can be locked for one recording at a time.
type Device interface {
	Name() string
	IsLocked() bool
	// StartEncoding tunes req.Channel and starts streaming into a new
	// consumer, which is returned for switching and health checks.
	StartEncoding(ctx context.Context, req Request) (consumer.Consumer, error)
	// StopEncoding stops the running recording and unlocks the device.
	StopEncoding()
	// ChannelInfoOffline tunes ch without recording and sets ch.Tunable.
	ChannelInfoOffline(ctx context.Context, ch *Channel) error
}
