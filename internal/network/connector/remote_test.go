package connector

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/boardlink-go/internal/json"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/log"
)

// withReconnectDelay 缩短后台任务的固定退避，仅用于测试。
func withReconnectDelay(d time.Duration) Option {
	return func(c *Config) {
		c.reconnectDelay = d
	}
}

// fakeRemote 是一个最小化的远端实现，会话 key 依次为 key-1、key-2……
// 所有字段须在 start 之前设置。
type fakeRemote struct {
	password      string
	apiVersion    string
	connectStatus int
	// gate 在握手处理开始时调用，n 为第几次握手。
	gate       func(n int)
	noopStatus func(n int) int
	stream     func(n int, key string, conn *websocket.Conn)
	routes     func(mux *http.ServeMux)

	server      *httptest.Server
	connects    atomic.Int32
	disconnects atomic.Int32
	noops       atomic.Int32
	streams     atomic.Int32
	lastNoopKey atomic.String
	streamKeys  sync.Map
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{apiVersion: APIVersion}
}

func (r *fakeRemote) start(t *testing.T) *fakeRemote {
	log.SetupTestLogger(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+network.PathConnect, r.handleConnect)
	mux.HandleFunc("GET "+network.PathNoop, r.handleNoop)
	mux.HandleFunc("GET "+network.PathDisconnect, func(w http.ResponseWriter, _ *http.Request) {
		r.disconnects.Inc()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+network.PathStream, r.handleStream)
	if r.routes != nil {
		r.routes(mux)
	}
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRemote) URL() string {
	return r.server.URL
}

func (r *fakeRemote) handleConnect(w http.ResponseWriter, req *http.Request) {
	n := int(r.connects.Inc())
	if r.gate != nil {
		r.gate(n)
	}
	if r.connectStatus != 0 {
		http.Error(w, "control process unavailable", r.connectStatus)
		return
	}
	query := req.URL.Query()
	if r.password != "" && query.Get(network.ParamPassword) != r.password {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if _, err := time.Parse(time.RFC3339, query.Get(network.ParamTime)); err != nil {
		http.Error(w, "bad time", http.StatusBadRequest)
		return
	}
	data, _ := json.Marshal(network.ConnectResponse{
		SessionKey: fmt.Sprintf("key-%d", n),
		APIVersion: r.apiVersion,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (r *fakeRemote) handleNoop(w http.ResponseWriter, req *http.Request) {
	n := int(r.noops.Inc())
	r.lastNoopKey.Store(req.Header.Get(network.HeaderSessionKey))
	status := http.StatusNoContent
	if r.noopStatus != nil {
		status = r.noopStatus(n)
	}
	w.WriteHeader(status)
}

func (r *fakeRemote) handleStream(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := int(r.streams.Inc())
	key := req.URL.Query().Get(network.ParamSessionKey)
	r.streamKeys.Store(n, key)
	if r.stream != nil {
		r.stream(n, key, conn)
	}
}

func (r *fakeRemote) streamKey(n int) string {
	v, ok := r.streamKeys.Load(n)
	if !ok {
		return ""
	}
	return v.(string)
}

// authorized 校验请求携带的会话 key。
func authorized(w http.ResponseWriter, req *http.Request, key string) bool {
	if req.Header.Get(network.HeaderSessionKey) != key {
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}
