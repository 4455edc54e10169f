package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 16
)

func (s *Server) handleSnapshotsWS(w http.ResponseWriter, r *http.Request) {
	if !s.allow(clientSource(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// The stream is write-only; CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamSnapshots(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := s.backend.Subscribe(wsSubscribeBuffer)
	defer cancel()

	var sent uint64
	if latest := s.backend.LatestSummary(); latest.SnapshotID > 0 {
		if err := writeSummary(ctx, conn, latest); err != nil {
			return err
		}
		sent = latest.SnapshotID
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case summary, ok := <-updates:
			if !ok {
				return nil
			}
			if summary.SnapshotID <= sent {
				continue
			}
			sent = summary.SnapshotID
			if err := writeSummary(ctx, conn, summary); err != nil {
				return err
			}
		}
	}
}

func writeSummary(ctx context.Context, conn *websocket.Conn, summary snapshot.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
