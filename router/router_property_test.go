package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/abdelmounim-dev/agent-notifier/registry"
)

// Fan-out completeness: for any number of connections and any subset of
// failing ones, SendToUser makes exactly one attempt per connection, and the
// failures never suppress delivery to the healthy rest.
func TestRouterFanOutProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every connection gets exactly one attempt", prop.ForAll(
		func(numConns int, failMask int) bool {
			if numConns < 1 || numConns > 16 {
				numConns = 1
			}

			reg := registry.New()
			rt := New(reg)

			transports := make([]*fakeTransport, numConns)
			failing := 0
			for i := 0; i < numConns; i++ {
				transports[i] = &fakeTransport{fail: failMask&(1<<i) != 0}
				if transports[i].fail {
					failing++
				}
				if err := reg.Add(&registry.Connection{
					ID:        fmt.Sprintf("c%d", i),
					UserID:    "u1",
					Transport: transports[i],
				}); err != nil {
					return false
				}
			}

			result := rt.SendToUser(context.Background(), "u1", Event{Type: EventAgentThinking})

			if result.Attempts != numConns {
				return false
			}
			if len(result.Failures) != failing {
				return false
			}
			if result.Sent != (failing < numConns) {
				return false
			}

			// Every healthy transport received the event exactly once.
			for _, tr := range transports {
				if tr.fail {
					continue
				}
				if len(tr.sentTypes()) != 1 {
					return false
				}
			}

			// Failed connections are gone; healthy ones remain.
			return len(reg.UserConnections("u1")) == numConns-failing
		},
		gen.IntRange(1, 16),
		gen.IntRange(0, 1<<16-1),
	))

	properties.TestingRun(t)
}
