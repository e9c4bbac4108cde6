package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/slacklite/relay/model"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	SlowConsumer SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	// per connection outbound queue size. A connection that falls this
	// far behind is closed instead of stalling the fan-out.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The relay sits behind the API gateway which enforces origin.
		return true
	},
}

// Handler manages one live connection of an authenticated user. Every
// websocket upgrade creates a new session; the registry owns its
// lifecycle.
type Handler struct {
	sync.Mutex

	api *ChatApi
	hub *Hub

	session *model.Session
	conn    *websocket.Conn

	// writeMu serializes conn writes: the send loop, pings and the
	// close frame may race, and gorilla/websocket forbids concurrent
	// writers.
	writeMu sync.Mutex

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError       `json:"error,omitempty"`
	ServerMsg *model.ServerEvent `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

// CID implements route.Conn.
func (h *Handler) CID() string { return h.session.CID }

// UID implements route.Conn.
func (h *Handler) UID() string { return h.session.UID }

// Send implements route.Conn: a non-blocking enqueue onto this
// connection's outbound queue. A full queue closes the connection
// rather than stalling the caller; the broadcast to other connections
// is unaffected either way.
func (h *Handler) Send(ev *model.ServerEvent) bool {
	h.Lock()
	if h.closing {
		h.Unlock()
		return false
	}
	select {
	case h.dataChan <- &SessionData{ServerMsg: ev}:
		h.Unlock()
		return true
	default:
		h.Unlock()
		glog.Errorf("session send queue full, closing: %s", h)
		go h.close(SlowConsumer)
		return false
	}
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}

	h.closing = true
	close(h.dataChan)
	// The conn writes and deregistration happen outside the handler
	// lock: the close frame can wait on writeMu behind an in-flight
	// write, and deregistration cascades into presence publication
	// which must never wait on this handler.
	h.Unlock()

	_ = h.writeMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.session.CID)
	}
}

// appendDataChan enqueues without blocking and reports whether the
// value made it onto the queue.
func (h *Handler) appendDataChan(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- v:
		return true
	default:
		glog.Errorf("session data chan full, value lost: %s", h)
		return false
	}
}

func (h *Handler) writeMessage(messageType int, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(messageType, data)
}

func (h *Handler) sendServerEvent(ev *model.ServerEvent) error {
	out, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.writeMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.replyError(model.NewError(model.CodeInvalidArgument, "websocket only supports TextMessage"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := model.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.replyError(model.NewError(model.CodeInvalidArgument, fmt.Sprintf("unmarshal error: %v", err)))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		h.serve(&req)
	}
}

// serve dispatches one client frame. Send/edit/react results come back
// to this connection through the fan-out path like to any other
// recipient; only history and errors are answered directly.
func (h *Handler) serve(req *model.ClientMsg) {
	ctx := context.Background()
	uid := h.session.UID

	if v := req.Send; v != nil {
		if _, err := h.api.Send(ctx, uid, h.session.Username, v); err != nil {
			glog.Errorf("serve(): Send error: %+v", err)
			h.replyError(err)
		}
	} else if v := req.Edit; v != nil {
		if _, err := h.api.Edit(ctx, uid, v); err != nil {
			glog.Errorf("serve(): Edit error: %+v", err)
			h.replyError(err)
		}
	} else if v := req.React; v != nil {
		if _, err := h.api.React(ctx, uid, v); err != nil {
			glog.Errorf("serve(): React error: %+v", err)
			h.replyError(err)
		}
	} else if v := req.History; v != nil {
		page, err := h.api.History(ctx, uid, v)
		if err != nil {
			glog.Errorf("serve(): History error: %+v", err)
			h.replyError(err)
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &model.ServerEvent{History: page}})
	} else {
		glog.Errorf("serve(): unsupported request: %+v", req)
		h.replyError(model.NewError(model.CodeInvalidArgument, "unsupported request"))
		h.appendDataChan(&SessionData{Error: BadRequest})
	}
}

func (h *Handler) replyError(err *model.Error) {
	interceptError(err)
	h.appendDataChan(&SessionData{ServerMsg: &model.ServerEvent{Error: err}})
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := h.sendServerEvent(v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.appendDataChan(&SessionData{Error: WriteError})
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
			}
		case <-pingTicker.C:
			if err := h.writeMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&SessionData{Error: PingError})
				return
			}
		}
	}
}
