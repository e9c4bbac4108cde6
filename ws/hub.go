package ws

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/slacklite/relay/auth"
	"github.com/slacklite/relay/model"
)

// Hub upgrades authenticated websocket requests into sessions and owns
// the connection registry.
type Hub struct {
	authClient auth.Client
	api        *ChatApi
	registry   *Registry

	// sessionQuota bounds connections per user; registering one more
	// kicks the oldest, never the newcomer. 0 disables the quota.
	sessionQuota int
}

func NewHub(authClient auth.Client, api *ChatApi, registry *Registry, sessionQuota int) *Hub {
	return &Hub{
		authClient:   authClient,
		api:          api,
		registry:     registry,
		sessionQuota: sessionQuota,
	}
}

// Registry exposes the hub's registry for router wiring.
func (h *Hub) Registry() *Registry { return h.registry }

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &model.Session{
		UID:        identity.UID,
		Username:   identity.Username,
		CID:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		IP:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", identity.UID, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, sendQueueSize),
		session:  sess,
		conn:     conn,
		api:      h.api,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.CID)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.registry.add(handler)
	h.enforceQuota(handler.session.UID)
}

// delHandler deregisters by connection id. Safe to call repeatedly:
// the registry absorbs unknown ids.
func (h *Hub) delHandler(cid string) {
	h.registry.del(cid)
}

// enforceQuota kicks the user's oldest sessions beyond the quota.
func (h *Hub) enforceQuota(uid string) {
	if h.sessionQuota <= 0 {
		return
	}

	handlers := h.registry.handlersFor(uid)
	n := len(handlers) - h.sessionQuota
	if n <= 0 {
		return
	}

	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].session.CreateTime < handlers[j].session.CreateTime
	})

	for _, old := range handlers[:n] {
		glog.V(5).Infof("kickoff session over quota: %s", old)
		// A full queue cannot carry the kickoff notice; close directly
		// so the over-quota session never lingers.
		if !old.appendDataChan(&SessionData{ServerMsg: &model.ServerEvent{Kickoff: true}}) {
			old.close(KickedOff)
		}
		h.registry.del(old.session.CID)
	}
}

// Shutdown closes every live connection, for server stop.
func (h *Hub) Shutdown() {
	glog.Infof("close connections ...")
	h.registry.closeAll()
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
