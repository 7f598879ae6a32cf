package bench

import (
	"log/slog"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/whep"
)

// Observer consumes the benchmark event stream. Observe is called from a
// single goroutine, in stream order, and must not block for long.
type Observer interface {
	Observe(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Dispatch delivers every event to each observer in turn until events is
// closed.
func Dispatch(events <-chan Event, observers ...Observer) {
	for ev := range events {
		for _, o := range observers {
			o.Observe(ev)
		}
	}
}

// LogObserver logs every event.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(ev Event) {
		switch ev.Kind {
		case EventStats:
			logger.Debug("session stats",
				"session", ev.SessionID,
				"recv_kbps", ev.Stats.RecvKbps,
				"send_kbps", ev.Stats.SendKbps,
				"rtt_ms", ev.Stats.RttMs,
				"live_ms", ev.Stats.LiveMs,
				"lost", ev.Stats.Lost)
		case EventDisconnected:
			if ev.Err != nil {
				logger.Warn("session ended",
					"session", ev.SessionID,
					"class", whep.Class(ev.Err),
					"err", ev.Err)
				return
			}
			logger.Info("session ended", "session", ev.SessionID)
		default:
			logger.Info("session "+ev.Kind.String(), "session", ev.SessionID)
		}
	})
}

// RecordTo keeps store in sync with the stream.
func RecordTo(store *session.Store) Observer {
	return ObserverFunc(func(ev Event) {
		switch ev.Kind {
		case EventConnecting:
			store.Starting(ev.SessionID, ev.At)
		case EventConnected:
			store.MarkConnected(ev.SessionID, ev.At)
		case EventStats:
			store.RecordStats(ev.SessionID, ev.At, ev.Stats)
		case EventDisconnected:
			store.MarkEnded(ev.SessionID, ev.At, ev.Err)
		}
	})
}
