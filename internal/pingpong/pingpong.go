// Package pingpong holds the stock handlers the sfp command serves and the
// client loop that talks to them.
package pingpong

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codewiresh/sfp/internal/connection"
)

var (
	PingMessage = []byte("PING")
	PongMessage = []byte("PONG")
)

// Echo writes every received frame back unchanged.
func Echo(ctx context.Context, r *connection.Reader, w *connection.Writer) error {
	for {
		msg, err := r.Read(ctx)
		if err != nil {
			return err
		}
		if err := w.Write(msg); err != nil {
			return err
		}
		if err := w.Drain(ctx); err != nil {
			return err
		}
	}
}

// Pong answers every PING frame with PONG. Other frames are skipped.
func Pong(ctx context.Context, r *connection.Reader, w *connection.Writer) error {
	logger := zerolog.Ctx(ctx)
	for {
		if err := awaitMessage(ctx, r, PingMessage); err != nil {
			return err
		}
		logger.Debug().Msg("PING received")
		if err := w.Write(PongMessage); err != nil {
			return err
		}
		if err := w.Drain(ctx); err != nil {
			return err
		}
		logger.Debug().Msg("PONG sent")
	}
}

// Round is one completed PING/PONG exchange.
type Round struct {
	Seq int
	RTT time.Duration
}

// Ping sends PING and waits for PONG, count times (forever when count is
// zero), pausing interval between rounds. report, if set, sees each round.
func Ping(ctx context.Context, r *connection.Reader, w *connection.Writer, count int, interval time.Duration, report func(Round)) error {
	for seq := 1; count <= 0 || seq <= count; seq++ {
		if seq > 1 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		if err := w.Write(PingMessage); err != nil {
			return err
		}
		if err := w.Drain(ctx); err != nil {
			return err
		}
		if err := awaitMessage(ctx, r, PongMessage); err != nil {
			return err
		}
		if report != nil {
			report(Round{Seq: seq, RTT: time.Since(start)})
		}
	}
	return nil
}

func awaitMessage(ctx context.Context, r *connection.Reader, want []byte) error {
	for {
		msg, err := r.Read(ctx)
		if err != nil {
			return err
		}
		if string(msg) == string(want) {
			return nil
		}
	}
}
