package consumer

import (
	"context"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/mpegts"
)

// pesSearchTail is kept between reads while looking for the first PES
// start so a packet split across reads is still found.
const pesSearchTail = 3 * mpegts.PacketSize

// Raw relays the transport stream untouched, starting at the first video
// PES packet.
type Raw struct {
	*base
}

// NewRaw returns a passthrough consumer.
func NewRaw(opts Options, logger *zap.Logger) *Raw {
	return &Raw{base: newBase(VariantRaw, opts, logger)}
}

func (c *Raw) Run(ctx context.Context) error {
	return c.run(ctx, c.passthrough)
}

// passthrough batches buffer reads up to the minimum transfer size, or less
// while a switch is waiting, and hands them to the relay.
func (b *base) passthrough(r *relay) error {
	buf := make([]byte, b.opts.MaxTransferSize)
	fill := 0
	started := false
	waiting := false

	b.setState(StateDetecting, "Waiting for first bytes...")
	for {
		n, err := b.buf.Read(buf[fill:])
		fill += n
		if err != nil {
			if started {
				if werr := r.write(buf[:fill]); werr != nil {
					return werr
				}
			}
			return err
		}

		if !started {
			if !waiting {
				b.setState(StateDetecting, "Waiting for PES start byte...")
				waiting = true
			}
			idx := mpegts.FindPESStart(buf[:fill], mpegts.AnyPID)
			if idx < 0 {
				if fill > pesSearchTail {
					fill = copy(buf, buf[fill-pesSearchTail:fill])
				}
				continue
			}
			fill = copy(buf, buf[idx:fill])
			started = true
			b.log().Debug("found first PES start", zap.Int("skipped", idx))
		}

		if fill < b.opts.MinTransferSize && fill < len(buf) && !r.switching() {
			continue
		}
		if err := r.write(buf[:fill]); err != nil {
			return err
		}
		fill = 0
	}
}
