package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/canvas"
	"github.com/npezzotti/go-erd/internal/client"
	"github.com/npezzotti/go-erd/internal/controller"
	"github.com/npezzotti/go-erd/internal/persist"
)

type session struct {
	conn *client.Conn
	bc   *broadcast.Broadcaster
	ctrl *controller.Controller
}

// open joins roomID and starts an editing session on a headless canvas.
func open(ctx context.Context, roomID string) (*session, error) {
	room, err := cl.JoinRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}

	conn, err := cl.Dial(ctx)
	if err != nil {
		return nil, err
	}

	userID, _ := cl.CurrentUserID()
	bc := broadcast.New(conn, cl, logger)
	sync := persist.NewSynchronizer(cl.Store(conn), logger)
	ctrl := controller.New(controller.Config{
		UserID:            userID,
		Role:              controller.Role(room.Role),
		ReconcileInterval: time.Minute,
	}, canvas.NewHeadless(), bc, sync, logger)

	if err := ctrl.Initialize(ctx, roomID); err != nil {
		conn.Close()
		return nil, err
	}
	return &session{conn: conn, bc: bc, ctrl: ctrl}, nil
}

// close flushes pending writes and leaves the room.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.ctrl.Teardown(ctx)
	return errors.Join(err, s.conn.Close())
}
