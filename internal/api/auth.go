package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/mqttlink/internal/auth"
)

const (
	ticketTTL   = 60 * time.Second
	ticketBytes = 24
)

type pendingTicket struct {
	claims  *auth.CustomClaims // nil with auth disabled
	expires time.Time
}

// ticketStore trades a bearer token for a single-use WebSocket ticket, so
// the JWT never appears in a URL. The ticket carries the token's claims,
// topic scope included.
type ticketStore struct {
	mu      sync.Mutex
	pending map[string]pendingTicket
	now     func() time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{pending: make(map[string]pendingTicket), now: time.Now}
}

func (t *ticketStore) issue(claims *auth.CustomClaims) (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating ticket: %w", err)
	}
	ticket := base64.RawURLEncoding.EncodeToString(b)

	t.mu.Lock()
	t.pending[ticket] = pendingTicket{claims: claims, expires: t.now().Add(ticketTTL)}
	t.mu.Unlock()
	return ticket, nil
}

// redeem removes ticket and returns its claims if it had not expired.
func (t *ticketStore) redeem(ticket string) (*auth.CustomClaims, bool) {
	t.mu.Lock()
	p, ok := t.pending[ticket]
	delete(t.pending, ticket)
	t.mu.Unlock()

	if !ok || !t.now().Before(p.expires) {
		return nil, false
	}
	return p.claims, true
}

func (t *ticketStore) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for ticket, p := range t.pending {
		if !now.Before(p.expires) {
			delete(t.pending, ticket)
			n++
		}
	}
	return n
}

func (t *ticketStore) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// sweepLoop drops unredeemed tickets until ctx ends.
func (t *ticketStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// handleWSTicket issues a ticket for GET /ws?ticket=...
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.issue(claimsFromContext(r.Context()))
	if err != nil {
		s.logger.Error("ticket generation failed", "error", err)
		writeInternalError(w, "could not issue ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL / time.Second),
	})
}
