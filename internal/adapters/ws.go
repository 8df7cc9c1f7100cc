package adapters

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"videoroom/internal/domain"
	"videoroom/internal/participant"
	"videoroom/internal/rooms"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendQueueSize = 256
	writeTimeout  = 5 * time.Second
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSConnection is the signaling endpoint for one participant.
// It implements participant.Conn.
//
// The send channel is never closed: senders and the write loop race with
// Close, so shutdown is signaled through the done channel instead.
type WSConnection struct {
	conn WSConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewWSConnection(conn WSConn) *WSConnection {
	return &WSConnection{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *WSConnection) TrySend(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *WSConnection) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// StartWriteLoop pumps queued messages to the network.
// Adapter owns transport resources and closes them on exit.
func (c *WSConnection) StartWriteLoop(ctx context.Context) {
	go func() {
		defer c.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case data := <-c.send:
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

// StartReadLoop reads frames and forwards them to the session.
// On exit the session is shut down so its room reference is released.
func (c *WSConnection) StartReadLoop(ctx context.Context, sess *participant.Session) {
	go func() {
		defer c.Close()
		defer sess.Shutdown()

		for {
			select {
			case <-ctx.Done():
				return
			default:
				_, data, err := c.conn.ReadMessage()
				if err != nil {
					return
				}
				sess.HandleMessage(data)
			}
		}
	}()
}

// WSController upgrades signaling connections and binds them to rooms.
type WSController struct {
	Rooms *rooms.Registry
	Log   zerolog.Logger
}

// Handle serves GET /ws?roomId={uuid}. Without roomId a fresh room is
// created; an unparseable roomId is rejected before the upgrade.
func (ctl *WSController) Handle(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			room *rooms.Room
			err  error
		)
		if q := c.Query("roomId"); q != "" {
			id, perr := domain.ParseRoomID(q)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid roomId"})
				return
			}
			room, err = ctl.Rooms.GetOrCreateRoom(ctx, id)
		} else {
			room, err = ctl.Rooms.CreateRoom(ctx)
		}
		if err != nil {
			ctl.Log.Error().Err(err).Msg("room unavailable")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
			return
		}

		upgrader := websocket.Upgrader{
			// TODO: restrict origins once the web client origin is fixed.
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			room.Release()
			ctl.Log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		wsConn := NewWSConnection(ws)
		sess, err := participant.New(ctx, room, wsConn, ctl.Log)
		if err != nil {
			wsConn.Close()
			room.Release()
			ctl.Log.Error().Err(err).Str("room_id", string(room.ID())).Msg("session setup failed")
			return
		}

		// The session now owns the room reference and the connection.
		go sess.Run(ctx)
		wsConn.StartWriteLoop(ctx)
		wsConn.StartReadLoop(ctx, sess)
	}
}
