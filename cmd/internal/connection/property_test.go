package connection

import (
	"testing"
	"time"

	v1 "sigpad/shared/contracts/pad/v1"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: heartbeats never more than 30s apart keep the channel Connected.
func TestHeartbeatSpacingWithinDeadlineNeverDegrades(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("spacing <= 30s never degrades", prop.ForAll(
		func(gapsMs []int64) bool {
			h := startHarness(t, 0)
			if c, ok := h.next(); !ok || c.To != Connecting {
				return false
			}
			if c, ok := h.next(); !ok || c.To != Connected {
				return false
			}
			ch := <-h.dialer.dialed

			for _, g := range gapsMs {
				h.clock.Advance(time.Duration(g) * time.Millisecond)
				ch.send(`{"event":"heartbeat"}`)
				e, ok := h.event()
				if !ok {
					return false
				}
				if _, isBeat := e.(v1.Heartbeat); !isBeat {
					return false
				}
			}

			select {
			case <-h.changes:
				return false
			default:
			}
			return h.m.Status() == Connected
		},
		gen.SliceOf(gen.Int64Range(0, HeartbeatTimeout.Milliseconds())),
	))

	properties.TestingRun(t)
}
