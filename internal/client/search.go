package client

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelhub/twinlink/internal/bus"
	"github.com/kestrelhub/twinlink/internal/protocol"
	"github.com/kestrelhub/twinlink/internal/search"
	"github.com/kestrelhub/twinlink/internal/transport"
)

// SearchHandle is the thin façade that opens a search.Session. Opening is
// two-phase: the initial query is a correlated request/response like any
// twin command, but its response is the session's "created" frame rather
// than a terminal result, so the façade hands it straight to
// search.Session.Start instead of returning it to the caller.
type SearchHandle struct {
	bus            *bus.Bus
	tr             *transport.Transport
	dispatcher     search.Dispatcher
	requestTimeout time.Duration
	idleTimeout    time.Duration
}

// Open sends query and, once the server's "created" response arrives,
// starts a search.Session bound to subscriber. The returned Session is
// also the Subscription subscriber received via OnSubscribe.
func (h *SearchHandle) Open(ctx context.Context, query any, subscriber search.Subscriber) (*search.Session, error) {
	correlationID := newCorrelationID()
	raw, err := protocol.EncodeSearchQuery(query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("client: encode search query: %w", err)
	}

	fut, err := h.tr.Submit(protocol.CorrelationKey(correlationID), raw, h.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: submit search query: %w", err)
	}
	created, err := fut.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: await search created: %w", err)
	}

	session := search.NewSession(h.bus, h.dispatcher, h.tr, h.idleTimeout)
	if err := session.Start(created, subscriber); err != nil {
		return nil, fmt.Errorf("client: start search session: %w", err)
	}
	return session, nil
}
