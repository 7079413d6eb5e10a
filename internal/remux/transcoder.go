package remux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// waitDelay bounds how long Run waits for the stdio copiers after the
// process has exited.
const waitDelay = 2 * time.Second

// DefaultProfile is used when the encoding quality names no known profile.
const DefaultProfile = "copy"

// DefaultProfiles maps encoding quality names to ffmpeg output codec arguments.
var DefaultProfiles = map[string][]string{
	"copy":     {"-c", "copy"},
	"h264":     {"-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-c:a", "copy"},
	"h264-low": {"-c:v", "libx264", "-preset", "veryfast", "-crf", "28", "-vf", "scale=-2:480", "-c:a", "aac", "-b:a", "128k"},
	"hevc":     {"-c:v", "libx265", "-preset", "fast", "-crf", "26", "-c:a", "copy"},
}

// Transcoder runs an external process that reads a transport stream on
// stdin and writes one on stdout.
type Transcoder struct {
	Path   string
	Args   []string
	Logger *zap.Logger
}

// NewFFmpeg builds a transcoder for ffmpeg with the codec arguments of the
// named profile. Unknown names fall back to DefaultProfile.
func NewFFmpeg(path, quality string, profiles map[string][]string, logger *zap.Logger) *Transcoder {
	if path == "" {
		path = "ffmpeg"
	}
	if profiles == nil {
		profiles = DefaultProfiles
	}
	codec, ok := profiles[quality]
	if !ok {
		codec = profiles[DefaultProfile]
		if codec == nil {
			codec = DefaultProfiles[DefaultProfile]
		}
		quality = DefaultProfile
	}

	args := []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-map", "0:v:0?", "-map", "0:a?",
	}
	args = append(args, codec...)
	args = append(args, "-f", "mpegts", "-mpegts_flags", "+resend_headers", "pipe:1")

	return &Transcoder{
		Path:   path,
		Args:   args,
		Logger: logger.With(zap.String("profile", quality)),
	}
}

// Run copies in through the process into out until in returns io.EOF, the
// process exits or ctx is cancelled.
func (t *Transcoder) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s start: %w", t.Path, err)
	}
	logger.Info("transcoder started", zap.String("cmd", t.Path), zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	if ctx.Err() != nil {
		logger.Info("transcoder stopped")
		return nil
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		logger.Warn("transcoder exited", zap.Error(err), zap.String("stderr", msg))
		return fmt.Errorf("%s: %w", t.Path, err)
	}
	logger.Info("transcoder completed")
	return nil
}
