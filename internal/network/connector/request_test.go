package connector

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/boardlink-go/internal/json"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

// memoryFiles 为测试用的内存文件系统。
type memoryFiles struct {
	mu       sync.Mutex
	files    map[string][]byte
	modTimes map[string]time.Time
	dirs     map[string]struct{}
}

func newMemoryFiles() *memoryFiles {
	return &memoryFiles{
		files:    make(map[string][]byte),
		modTimes: make(map[string]time.Time),
		dirs:     make(map[string]struct{}),
	}
}

func (m *memoryFiles) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+network.PathCode, func(w http.ResponseWriter, req *http.Request) {
		if !authorized(w, req, "key-1") {
			return
		}
		code, _ := io.ReadAll(req.Body)
		switch strings.TrimSpace(string(code)) {
		case "M115":
			_, _ = io.WriteString(w, "FIRMWARE_NAME: test")
		case "M999":
			http.Error(w, "board reset", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("PUT "+network.PathFile+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		if !authorized(w, req, "key-1") {
			return
		}
		data, _ := io.ReadAll(req.Body)
		path := req.PathValue("path")
		m.mu.Lock()
		defer m.mu.Unlock()
		m.files[path] = data
		if ts := req.URL.Query().Get(network.ParamTimeModified); ts != "" {
			t, _ := time.Parse(time.RFC3339, ts)
			m.modTimes[path] = t
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET "+network.PathFile+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		m.mu.Lock()
		data, ok := m.files[req.PathValue("path")]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("DELETE "+network.PathFile+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		path := req.PathValue("path")
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.files[path]; !ok {
			http.NotFound(w, req)
			return
		}
		delete(m.files, path)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+network.PathFileMove, func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from, to := req.PostForm.Get(network.ParamFrom), req.PostForm.Get(network.ParamTo)
		m.mu.Lock()
		defer m.mu.Unlock()
		data, ok := m.files[from]
		if !ok {
			http.NotFound(w, req)
			return
		}
		if _, exists := m.files[to]; exists && req.PostForm.Get(network.ParamForce) != "true" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		delete(m.files, from)
		m.files[to] = data
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT "+network.PathDirectory+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		m.mu.Lock()
		m.dirs[req.PathValue("path")] = struct{}{}
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+network.PathDirectory+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		prefix := strings.TrimSuffix(req.PathValue("path"), "/") + "/"
		var entries []network.FileEntry
		m.mu.Lock()
		for path, data := range m.files {
			if name, ok := strings.CutPrefix(path, prefix); ok && !strings.Contains(name, "/") {
				entries = append(entries, network.FileEntry{
					Type: network.EntryFile,
					Name: name,
					Date: m.modTimes[path],
					Size: int64(len(data)),
				})
			}
		}
		for dir := range m.dirs {
			if name, ok := strings.CutPrefix(dir, prefix); ok && !strings.Contains(name, "/") {
				entries = append(entries, network.FileEntry{Type: network.EntryDirectory, Name: name})
			}
		}
		m.mu.Unlock()
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		data, _ := json.Marshal(entries)
		_, _ = w.Write(data)
	})
	mux.HandleFunc("GET "+network.PathFileInfo+"{path...}", func(w http.ResponseWriter, req *http.Request) {
		path := req.PathValue("path")
		m.mu.Lock()
		data, ok := m.files[path]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		out, _ := json.Marshal(map[string]any{"fileName": path, "size": len(data)})
		_, _ = w.Write(out)
	})
}

type RequestSuite struct {
	suite.Suite

	files *memoryFiles
	c     *Connector
}

func (s *RequestSuite) SetupTest() {
	s.files = newMemoryFiles()
	remote := newFakeRemote()
	remote.routes = s.files.routes
	remote.start(s.T())

	c, err := Connect(context.Background(), remote.URL())
	s.Require().NoError(err)
	s.c = c
}

func (s *RequestSuite) TearDownTest() {
	s.c.Close()
}

func (s *RequestSuite) TestSendCode() {
	reply, err := s.c.SendCode(context.Background(), "M115")
	s.NoError(err)
	s.Equal("FIRMWARE_NAME: test", reply)

	_, err = s.c.SendCode(context.Background(), "M999")
	s.True(errors.Is(err, merr.ErrProtocol))
	status, ok := merr.HTTPStatus(err)
	s.True(ok)
	s.Equal(http.StatusServiceUnavailable, status)
}

func (s *RequestSuite) TestUploadDownload() {
	ctx := context.Background()
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.NoError(s.c.Upload(ctx, "0:/gcodes/cube.g", strings.NewReader("G28\nG1 X10\n"), modTime))

	var buf bytes.Buffer
	n, err := s.c.Download(ctx, "0:/gcodes/cube.g", &buf)
	s.NoError(err)
	s.Equal(int64(11), n)
	s.Equal("G28\nG1 X10\n", buf.String())

	_, err = s.c.Download(ctx, "0:/gcodes/missing.g", io.Discard)
	s.True(errors.Is(err, merr.ErrNotFound))

	s.files.mu.Lock()
	s.True(modTime.Equal(s.files.modTimes["0:/gcodes/cube.g"]))
	s.files.mu.Unlock()
}

func (s *RequestSuite) TestFileOperations() {
	ctx := context.Background()
	s.NoError(s.c.MakeDirectory(ctx, "0:/gcodes/parts"))
	s.NoError(s.c.Upload(ctx, "0:/gcodes/a.g", strings.NewReader("G28"), time.Time{}))
	s.NoError(s.c.Upload(ctx, "0:/gcodes/b file.g", strings.NewReader("M84"), time.Time{}))

	entries, err := s.c.ListDirectory(ctx, "0:/gcodes")
	s.NoError(err)
	s.Require().Len(entries, 3)
	s.Equal("a.g", entries[0].Name)
	s.Equal(int64(3), entries[0].Size)
	s.Equal("b file.g", entries[1].Name)
	s.Equal("parts", entries[2].Name)
	s.True(entries[2].IsDirectory())

	info, err := s.c.GetFileInfo(ctx, "0:/gcodes/a.g")
	s.NoError(err)
	s.Equal("0:/gcodes/a.g", info["fileName"])

	err = s.c.Move(ctx, "0:/gcodes/a.g", "0:/gcodes/b file.g", false)
	s.True(errors.Is(err, merr.ErrProtocol))
	s.NoError(s.c.Move(ctx, "0:/gcodes/a.g", "0:/gcodes/b file.g", true))

	s.NoError(s.c.Delete(ctx, "0:/gcodes/b file.g"))
	err = s.c.Delete(ctx, "0:/gcodes/b file.g")
	s.True(errors.Is(err, merr.ErrNotFound))

	s.True(errors.Is(s.c.Move(ctx, "", "x", false), merr.ErrParameterMissing))
}

func TestRequests(t *testing.T) {
	suite.Run(t, new(RequestSuite))
}

// statusRemote 返回一个目录列表端点始终应答 status 的远端，并统计尝试次数。
func statusRemote(t *testing.T, status int) (*fakeRemote, *atomic.Int32) {
	attempts := atomic.NewInt32(0)
	remote := newFakeRemote()
	remote.routes = func(mux *http.ServeMux) {
		mux.HandleFunc("GET "+network.PathDirectory+"{path...}", func(w http.ResponseWriter, _ *http.Request) {
			attempts.Inc()
			http.Error(w, http.StatusText(status), status)
		})
	}
	return remote.start(t), attempts
}

func TestIdempotentRetryBudget(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3} {
		remote, attempts := statusRemote(t, http.StatusConflict)
		c, err := Connect(context.Background(), remote.URL(), WithMaxRetries(maxRetries))
		if err != nil {
			t.Fatal(err)
		}

		_, err = c.ListDirectory(context.Background(), "0:/gcodes")
		if !errors.Is(err, merr.ErrProtocol) {
			t.Fatalf("maxRetries=%d: expected protocol error, got %v", maxRetries, err)
		}
		if status, _ := merr.HTTPStatus(err); status != http.StatusConflict {
			t.Fatalf("maxRetries=%d: unexpected status %d", maxRetries, status)
		}
		if got := attempts.Load(); got != int32(maxRetries+1) {
			t.Fatalf("maxRetries=%d: expected %d attempts, got %d", maxRetries, maxRetries+1, got)
		}
		c.Close()
	}
}

func TestIdempotentForbiddenExhausted(t *testing.T) {
	remote, attempts := statusRemote(t, http.StatusForbidden)
	c, err := Connect(context.Background(), remote.URL(), WithMaxRetries(2))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.ListDirectory(context.Background(), "0:/")
	if !errors.Is(err, merr.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if status, _ := merr.HTTPStatus(err); status != http.StatusForbidden {
		t.Fatalf("unexpected status %d", status)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestIdempotentFatalStatus(t *testing.T) {
	cases := []struct {
		status int
		target error
	}{
		{http.StatusNotFound, merr.ErrNotFound},
		{http.StatusInternalServerError, merr.ErrProtocol},
		{http.StatusServiceUnavailable, merr.ErrProtocol},
	}
	for _, tc := range cases {
		remote, attempts := statusRemote(t, tc.status)
		c, err := Connect(context.Background(), remote.URL(), WithMaxRetries(3))
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.ListDirectory(context.Background(), "0:/gcodes")
		if !errors.Is(err, tc.target) {
			t.Fatalf("status %d: unexpected error %v", tc.status, err)
		}
		if attempts.Load() != 1 {
			t.Fatalf("status %d: expected a single attempt, got %d", tc.status, attempts.Load())
		}
		c.Close()
	}
}

func TestIdempotentAttemptTimeout(t *testing.T) {
	attempts := atomic.NewInt32(0)
	remote := newFakeRemote()
	remote.routes = func(mux *http.ServeMux) {
		mux.HandleFunc("DELETE "+network.PathFile+"{path...}", func(w http.ResponseWriter, req *http.Request) {
			attempts.Inc()
			select {
			case <-req.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
	}
	remote.start(t)

	c, err := Connect(context.Background(), remote.URL(),
		WithRequestTimeout(100*time.Millisecond),
		WithMaxRetries(1),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Delete(context.Background(), "0:/gcodes/a.g")
	if !errors.Is(err, merr.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if errors.Is(err, merr.ErrCanceled) {
		t.Fatalf("attempt timeout must not surface as cancellation: %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestIdempotentCanceledByCaller(t *testing.T) {
	attempts := atomic.NewInt32(0)
	entered := make(chan struct{}, 8)
	remote := newFakeRemote()
	remote.routes = func(mux *http.ServeMux) {
		mux.HandleFunc("PUT "+network.PathDirectory+"{path...}", func(w http.ResponseWriter, req *http.Request) {
			attempts.Inc()
			entered <- struct{}{}
			select {
			case <-req.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
	}
	remote.start(t)

	c, err := Connect(context.Background(), remote.URL(), WithMaxRetries(5))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()
	err = c.MakeDirectory(ctx, "0:/gcodes/new")
	if !errors.Is(err, merr.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}
