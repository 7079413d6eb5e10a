// Package upload implements the SageTV media server upload protocol: a
// line-oriented TCP session where the server owns the recording file and
// the client pushes bytes to explicit offsets.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/metrics"
)

// DefaultPort is the SageTV media server port.
const DefaultPort = 7818

const (
	responseTimeout = 2 * time.Second
	writeTimeout    = 10 * time.Second
	dialTimeout     = 5 * time.Second
)

var (
	// ErrRejected is returned when the server answers anything but success.
	ErrRejected = errors.New("upload: request rejected")
	// ErrNotOpen is returned when writing without an open upload.
	ErrNotOpen = errors.New("upload: no upload open")
)

// Client is one upload session with a media server. Safe for concurrent use,
// though the protocol itself is strictly request/response.
type Client struct {
	addr   string
	logger *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	r          *bufio.Reader
	filename   string
	id         int
	autoOffset int64
}

// Dial connects to the media server at addr. A missing port defaults to DefaultPort.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Client, error) {
	c := &Client{
		addr:   withPort(addr),
		logger: logger.With(zap.String("uploadServer", withPort(addr))),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// Addr returns the server address including the port.
func (c *Client) Addr() string {
	return c.addr
}

// Offset returns the next auto-increment offset.
func (c *Client) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoOffset
}

// StartUpload opens filename under the numeric upload id.
func (c *Client) StartUpload(filename string, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open(filename, id)
}

func (c *Client) open(filename string, id int) error {
	reply, err := c.command(fmt.Sprintf("WRITEOPEN %s %d", filename, id))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("WRITEOPEN %s: %w (%s)", filename, ErrRejected, reply)
	}
	c.filename = filename
	c.id = id
	c.autoOffset = 0
	c.logger.Info("upload opened", zap.String("file", filename), zap.Int("uploadID", id))
	return nil
}

// SwitchUpload closes the current file and opens filename on the same connection.
func (c *Client) SwitchUpload(filename string, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filename != "" {
		if reply, err := c.command("CLOSE"); err != nil {
			return err
		} else if reply != "OK" {
			c.logger.Warn("close before switch not acknowledged", zap.String("reply", reply))
		}
	}
	return c.open(filename, id)
}

// Upload writes p at offset, reconnecting once if the connection fails.
func (c *Client) Upload(offset int64, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload(offset, p)
}

func (c *Client) upload(offset int64, p []byte) error {
	if c.filename == "" {
		return ErrNotOpen
	}
	err := c.write(offset, p)
	if err == nil {
		c.autoOffset = offset + int64(len(p))
		return nil
	}

	c.logger.Warn("upload write failed, reconnecting", zap.Error(err))
	metrics.UploadReconnectsTotal.Inc()
	if rerr := c.reconnect(); rerr != nil {
		return fmt.Errorf("upload write: %w (reconnect: %v)", err, rerr)
	}
	if err := c.write(offset, p); err != nil {
		return fmt.Errorf("upload write after reconnect: %w", err)
	}
	c.autoOffset = offset + int64(len(p))
	return nil
}

func (c *Client) write(offset int64, p []byte) error {
	if c.conn == nil {
		return net.ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	bufs := net.Buffers{[]byte(fmt.Sprintf("WRITE %d %d\r\n", offset, len(p))), p}
	_, err := bufs.WriteTo(c.conn)
	return err
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		return err
	}
	offset := c.autoOffset
	if err := c.open(c.filename, c.id); err != nil {
		return err
	}
	c.autoOffset = offset
	return nil
}

// UploadAutoIncrement writes p at the next auto-increment offset.
func (c *Client) UploadAutoIncrement(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upload(c.autoOffset, p)
}

// UploadAutoBuffered writes p at the auto offset, wrapping to 0 whenever the
// offset would pass limit.
func (c *Client) UploadAutoBuffered(limit int64, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		return c.upload(c.autoOffset, p)
	}
	if c.autoOffset >= limit {
		c.autoOffset = 0
	}
	for int64(len(p)) > limit-c.autoOffset {
		first := limit - c.autoOffset
		if err := c.upload(c.autoOffset, p[:first]); err != nil {
			return err
		}
		p = p[first:]
		c.autoOffset = 0
	}
	if len(p) == 0 {
		return nil
	}
	return c.upload(c.autoOffset, p)
}

// EndUpload closes the file, ends the session and drops the connection.
func (c *Client) EndUpload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	var err error
	if c.filename != "" {
		var reply string
		reply, err = c.command("CLOSE")
		if err == nil && reply != "OK" {
			err = fmt.Errorf("CLOSE: %w (%s)", ErrRejected, reply)
		}
	}
	c.send("QUIT")
	c.conn.Close()
	c.conn = nil
	c.logger.Info("upload ended", zap.String("file", c.filename), zap.Int64("offset", c.autoOffset))
	c.filename = ""
	return err
}

// SetupRemux asks the server to remux the upload into format ("TS" or "PS").
func (c *Client) SetupRemux(format string, isTV bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tv := "FALSE"
	if isTV {
		tv = "TRUE"
	}
	return c.expect(fmt.Sprintf("REMUX_SETUP AUTO %s %s", format, tv), "OK")
}

// SetRemuxBuffer sets the server side circular buffer size for the remux.
func (c *Client) SetRemuxBuffer(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expect(fmt.Sprintf("REMUX_CONFIG BUFFER %d", n), "TRUE")
}

// IsRemuxInitialized reports whether the server detected the stream format.
func (c *Client) IsRemuxInitialized() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, err := c.command("REMUX_CONFIG INIT")
	return reply == "TRUE", err
}

// SwitchRemux retargets a remote remux to filename at the next keyframe.
func (c *Client) SwitchRemux(filename string, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoOffset = 0
	if err := c.expect(fmt.Sprintf("REMUX_SWITCH %s %d", filename, id), "OK"); err != nil {
		return err
	}
	c.filename = filename
	c.id = id
	return nil
}

// Format returns the container format the remote remux detected.
func (c *Client) Format() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command("REMUX_CONFIG FORMAT")
}

// Size returns the size of the remote file as the server sees it.
func (c *Client) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.command("SIZE")
	if err != nil {
		return 0, err
	}
	field, _, _ := strings.Cut(reply, " ")
	n, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse SIZE reply %q: %w", reply, err)
	}
	return n, nil
}

func (c *Client) expect(cmd, want string) error {
	reply, err := c.command(cmd)
	if err != nil {
		return err
	}
	if reply != want {
		return fmt.Errorf("%s: %w (%s)", cmd, ErrRejected, reply)
	}
	return nil
}

// command sends one line and waits for a one line reply.
func (c *Client) command(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	c.conn.SetReadDeadline(time.Now().Add(responseTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%s: read reply: %w", cmd, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) send(cmd string) error {
	if c.conn == nil {
		return net.ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
