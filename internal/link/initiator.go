package link

import (
	"context"
	"io"

	"github.com/danmuck/syncctl/internal/logging"
	"github.com/danmuck/syncctl/internal/transport"
)

// Initiator is one in-flight outbound attempt.
type Initiator struct {
	Gen     uint64
	Address string
	cancel  context.CancelFunc
}

// StartInitiator runs attempt on its own goroutine and hands the result to
// report together with gen. attempt performs the dial plus any protocol
// handshake and must abort when its context is cancelled. A result that
// lands after Cancel is closed and reported as the context error.
func StartInitiator[T io.Closer](
	parent context.Context,
	address string,
	gen uint64,
	attempt func(ctx context.Context, address string) (T, error),
	report func(gen uint64, v T, err error),
) *Initiator {
	ctx, cancel := context.WithCancel(parent)
	in := &Initiator{Gen: gen, Address: address, cancel: cancel}
	logger := logging.For("link")
	go func() {
		defer cancel()
		v, err := attempt(ctx, address)
		if err == nil && ctx.Err() != nil {
			_ = v.Close()
			var zero T
			v, err = zero, ctx.Err()
		}
		if err != nil {
			logger.Debug().Err(err).Str("address", address).Uint64("gen", gen).Msg("connect attempt failed")
		}
		report(gen, v, err)
	}()
	return in
}

// DialAttempt adapts a transport dialer for StartInitiator.
func DialAttempt(d transport.Dialer) func(context.Context, string) (transport.Conn, error) {
	return d.Dial
}

func (i *Initiator) Cancel() {
	if i == nil {
		return
	}
	i.cancel()
}
