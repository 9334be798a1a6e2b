package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

// WatchConnectivity streams connectivity levels to a WebSocket client.
// The subscription starts with the current level, so every client sees
// a baseline before any transition.
func WatchConnectivity(s *Service, w http.ResponseWriter, r *http.Request) {
	c, ctx, err := accept(w, r)
	if err != nil {
		log.Error("Failed to accept client:", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := uuid.NewString()
	log.WithField("client", client).Info("Connectivity watch started")
	defer log.WithField("client", client).Info("Connectivity watch ended")

	ch, unsub := s.mon.Subscribe()
	defer unsub()

	go func() {
		// Watchers send nothing; a read error means the client is gone.
		if _, _, err := c.Read(ctx); err != nil {
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case lvl, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(connectivityInfo(lvl))
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				log.WithField("client", client).WithError(err).Debug("Dropping watch client")
				return
			}
		}
	}
}
