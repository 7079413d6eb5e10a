package consumer

import (
	"fmt"

	"go.uber.org/zap"
)

// selectable lists the variants the dynamic selector may pick. The dynamic
// consumer is deliberately absent.
var selectable = map[string]bool{
	VariantRaw:         true,
	VariantRemux:       true,
	VariantTranscode:   true,
	VariantMediaServer: true,
}

var (
	_ Consumer = (*Raw)(nil)
	_ Consumer = (*Remux)(nil)
	_ Consumer = (*MediaServer)(nil)
)

// Selectable reports whether name is a concrete pipeline variant.
func Selectable(name string) bool { return selectable[name] }

// Factory builds consumers by variant name with shared options.
type Factory struct {
	opts     Options
	selector *Selector
	logger   *zap.Logger
}

// NewFactory returns a factory. selector may be nil, in which case dynamic
// consumers always resolve to the remux variant.
func NewFactory(opts Options, selector *Selector, logger *zap.Logger) *Factory {
	if selector == nil {
		selector = NewSelector(VariantRemux, logger)
	}
	return &Factory{opts: opts.normalized(), selector: selector, logger: logger}
}

func (f *Factory) Selector() *Selector { return f.selector }

func (f *Factory) Options() Options { return f.opts }

// New returns a fresh consumer for name.
func (f *Factory) New(name string) (Consumer, error) {
	if name == VariantDynamic {
		return NewDynamic(f), nil
	}
	return f.concrete(name)
}

func (f *Factory) concrete(name string) (Consumer, error) {
	switch name {
	case VariantRaw:
		return NewRaw(f.opts, f.logger), nil
	case VariantRemux:
		return NewRemux(f.opts, f.logger), nil
	case VariantTranscode:
		return NewTranscode(f.opts, f.logger), nil
	case VariantMediaServer:
		return NewMediaServer(f.opts, f.logger), nil
	}
	return nil, fmt.Errorf("unknown consumer %q", name)
}
