// Package consumer drains a capture device's transport stream into an
// output sink. Every variant shares one control surface: targets, a
// blocking switch, a byte counter and polling health checks.
package consumer

import (
	"context"
	"errors"
	"time"
)

// Variant names accepted by Factory.New.
const (
	VariantRaw         = "raw"
	VariantRemux       = "remux"
	VariantTranscode   = "transcode"
	VariantMediaServer = "mediaserver"
	VariantDynamic     = "dynamic"
)

var (
	ErrAlreadyRunning = errors.New("consumer already running")
	ErrNotRunning     = errors.New("consumer not running")
	ErrStopped        = errors.New("consumer stopped before the switch completed")
	ErrNoTarget       = errors.New("no output target")
	ErrUnsupported    = errors.New("target not supported by this consumer")
)

// State is a consumer lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateOpening   State = "opening"
	StateDetecting State = "detecting"
	StateStreaming State = "streaming"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateStalled   State = "stalled"
)

// Consumer is the contract shared by every pipeline variant.
type Consumer interface {
	// Run executes the pipeline until Stop, ctx cancellation or a stall.
	// A second concurrent call returns ErrAlreadyRunning.
	Run(ctx context.Context) error
	// Stop requests cancellation. Idempotent.
	Stop()

	// Write is called by the producer with raw transport stream bytes.
	Write(p []byte) (int, error)

	SetRecordBufferSize(n int64)
	SetProgram(program int)
	Program() int
	SetChannel(channel string)
	Channel() string
	SetEncodingQuality(quality string)
	EncodingQuality() string
	ConsumeToNull(null bool)

	ConsumeToFilename(path string) error
	ConsumeToUploadID(filename string, uploadID int, addr string) error
	// SwitchStreamToFilename and SwitchStreamToUploadID block until the
	// worker retargets output at a safe boundary or stops running.
	SwitchStreamToFilename(path string, bufferSize int64) error
	SwitchStreamToUploadID(filename string, bufferSize int64, uploadID int) error

	AcceptsFilename() bool
	AcceptsUploadID() bool
	CanSwitch() bool
	Filename() string
	UploadID() int

	BytesStreamed() int64
	IsStreaming(timeout time.Duration) bool
	IsStalled() bool
	IsRunning() bool
	StateMessage() string
	Status() Status
	Name() string
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Variant       string `json:"variant"`
	State         State  `json:"state"`
	Message       string `json:"message"`
	Running       bool   `json:"running"`
	Stalled       bool   `json:"stalled"`
	SwitchPending bool   `json:"switchPending"`
	BytesStreamed int64  `json:"bytesStreamed"`
	Buffered      int    `json:"buffered"`
	Target        string `json:"target"`
	Channel       string `json:"channel,omitempty"`
	Program       int    `json:"program,omitempty"`
}

// Options tunes buffering, probing and switching for all variants.
type Options struct {
	BufferSize      int
	MinTransferSize int
	MaxTransferSize int
	MinProbeSize    int
	MaxProbeSize    int
	// ProbeCatchUp is buffer space kept free while probing so the producer
	// is not blocked by the retained probe window.
	ProbeCatchUp int
	MaxAnalyze   time.Duration
	// SwitchAttempts bounds how many writes look for a random access point
	// before falling back to the next PES start.
	SwitchAttempts int
	FFmpegPath     string
	Profiles       map[string][]string
}

// DefaultOptions returns the tuning used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BufferSize:      7 * 1024 * 1024,
		MinTransferSize: 65536,
		MaxTransferSize: 1048476,
		MinProbeSize:    188 * 1024,
		MaxProbeSize:    5 * 1024 * 1024,
		ProbeCatchUp:    1024 * 1024,
		MaxAnalyze:      10 * time.Second,
		SwitchAttempts:  50,
		FFmpegPath:      "ffmpeg",
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxTransferSize <= 0 {
		o.MaxTransferSize = d.MaxTransferSize
	}
	if o.MaxTransferSize > o.BufferSize {
		o.MaxTransferSize = o.BufferSize
	}
	if o.MinTransferSize <= 0 || o.MinTransferSize > o.MaxTransferSize {
		o.MinTransferSize = o.MaxTransferSize
	}
	if o.ProbeCatchUp < 0 || o.ProbeCatchUp >= o.BufferSize {
		o.ProbeCatchUp = o.BufferSize / 4
	}
	if o.MaxProbeSize <= 0 {
		o.MaxProbeSize = d.MaxProbeSize
	}
	if limit := o.BufferSize - o.ProbeCatchUp; o.MaxProbeSize > limit {
		o.MaxProbeSize = limit
	}
	if o.MinProbeSize <= 0 {
		o.MinProbeSize = d.MinProbeSize
	}
	if o.MinProbeSize > o.MaxProbeSize {
		o.MinProbeSize = o.MaxProbeSize
	}
	if o.MaxAnalyze <= 0 {
		o.MaxAnalyze = d.MaxAnalyze
	}
	if o.SwitchAttempts <= 0 {
		o.SwitchAttempts = d.SwitchAttempts
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = d.FFmpegPath
	}
	return o
}
