// sidechannel.go

// The side channel carries session management packets between
// processes. It is a thin WebSocket layer: each Nexus may listen on
// its SmURI, and outgoing packets are written JSON-encoded over cached
// client connections. The datapath never touches it.

package erpc

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const smWsPath = "/erpc-sm"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// SideChannelAddr returns the side channel's bound listen address, or
// the empty string if the Nexus does not listen. Peers in other
// processes use it as the remote hostname.
func (n *Nexus) SideChannelAddr() string {
	if n.sc == nil {
		return ""
	}
	return n.sc.listener.Addr().String()
}

// sideChannel is a Nexus's session management listener.
type sideChannel struct {
	nexus    *Nexus
	log      *zap.Logger
	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newSideChannel(n *Nexus) (*sideChannel, error) {
	listener, err := net.Listen("tcp", n.cfg.SmURI)
	if err != nil {
		return nil, errors.Wrapf(err, "side channel: listen on %q", n.cfg.SmURI)
	}
	sc := &sideChannel{
		nexus:    n,
		log:      n.log.Named("sm"),
		listener: listener,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(smWsPath, sc.serveWs)
	sc.server = &http.Server{Handler: mux}
	go sc.server.Serve(listener)
	return sc, nil
}

func (sc *sideChannel) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sc.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	sc.mu.Lock()
	sc.conns[conn] = struct{}{}
	sc.mu.Unlock()

	go sc.readLoop(conn)
}

func (sc *sideChannel) readLoop(conn *websocket.Conn) {
	defer func() {
		sc.mu.Lock()
		delete(sc.conns, conn)
		sc.mu.Unlock()
		conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pkt SmPkt
		if err := json.Unmarshal(data, &pkt); err != nil {
			sc.log.Warn("malformed sm packet dropped", zap.Error(err))
			continue
		}
		sc.nexus.deliverSm(pkt)
	}
}

func (sc *sideChannel) close() {
	sc.server.Close()
	sc.mu.Lock()
	for conn := range sc.conns {
		conn.Close()
	}
	sc.conns = nil
	sc.mu.Unlock()

	smDialMu.Lock()
	for host, conn := range smDialCache {
		conn.Close()
		delete(smDialCache, host)
	}
	smDialMu.Unlock()
}

// Outgoing connections are cached per destination host and shared by
// every Nexus in the process.
var (
	smDialMu    sync.Mutex
	smDialCache = make(map[string]*websocket.Conn)
)

// sideChannelSend writes one packet to a remote host's side channel.
func sideChannelSend(host string, pkt SmPkt) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return errors.WithStack(err)
	}

	smDialMu.Lock()
	defer smDialMu.Unlock()

	conn, ok := smDialCache[host]
	if !ok {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+host+smWsPath, nil)
		if err != nil {
			return errors.Wrapf(err, "side channel: dial %q", host)
		}
		smDialCache[host] = conn
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		delete(smDialCache, host)
		return errors.Wrapf(err, "side channel: write to %q", host)
	}
	return nil
}
