package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
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

// WatchStatus streams status events to a websocket client: the current
// status of every host first, then each transition. An optional "host"
// query parameter limits the stream to one host.
func WatchStatus(s *Service, w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host != "" {
		if _, ok := s.source.Status(host); !ok {
			http.Error(w, "Host not watched", http.StatusNotFound)
			return
		}
	}

	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept websocket client")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	// The client only ever closes; CloseRead cancels ctx when it does.
	ctx = c.CloseRead(ctx)

	events, unsub := s.source.Subscribe()
	defer unsub()

	logger := log.WithField("remote", r.RemoteAddr)
	logger.Debug("Websocket watcher connected")
	defer logger.Debug("Websocket watcher disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if host != "" && ev.Host != host {
				continue
			}
			if err := wsjson.Write(ctx, c, ev); err != nil {
				logger.WithError(err).Debug("Failed to write status event")
				return
			}
		}
	}
}
