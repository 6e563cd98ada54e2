package sender

import (
	"log/slog"

	"github.com/btcpio/btcp"
	"github.com/btcpio/btcp/internal"
)

type logger struct {
	log *slog.Logger
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

func (sm *Machine) debugErr(msg string, err error) {
	internal.LogAttrs(sm.log, slog.LevelDebug, msg,
		slog.String("state", sm.state.String()), slog.String("err", err.Error()))
}

func (sm *Machine) debugSeg(msg string, seg btcp.Segment) {
	if !internal.LogEnabled(sm.log, slog.LevelDebug) {
		return
	}
	internal.LogAttrs(sm.log, slog.LevelDebug, msg,
		slog.Uint64("seg.stream", uint64(seg.StreamID)),
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
		slog.Uint64("seg.ack", uint64(seg.ACK)),
		slog.String("seg.flags", seg.Flags.String()),
	)
}

func (sm *Machine) traceSeq(msg string, v btcp.Value) {
	internal.LogAttrs(sm.log, internal.LevelTrace, msg,
		slog.Uint64("seq", uint64(v)),
		slog.Uint64("ack.high", uint64(sm.highestAck)),
		slog.Uint64("seq.next", uint64(sm.seq)),
	)
}
