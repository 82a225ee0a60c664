package acceptor

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/json"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/internal/network/session"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

// maxCodeBytes 为单次代码请求体的上限。
const maxCodeBytes = 1 << 20

// request 为一次已完成会话校验的请求。
type request struct {
	*http.Request
	key        string
	externalID int64
}

type handler func(w http.ResponseWriter, req *request) error

// access 描述一个端点对会话的要求。
type access struct {
	// public 的端点不校验会话。
	public      bool
	readWrite   bool
	longRunning bool
}

var (
	publicAccess    = access{public: true}
	readAccess      = access{}
	writeAccess     = access{readWrite: true}
	longReadAccess  = access{longRunning: true}
	longWriteAccess = access{readWrite: true, longRunning: true}
)

func (a *Acceptor) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+network.PathConnect, a.handle("connect", publicAccess, a.handleConnect))
	mux.HandleFunc("GET "+network.PathNoop, a.handle("noop", readAccess, a.handleNoop))
	mux.HandleFunc("GET "+network.PathDisconnect, a.handle("disconnect", publicAccess, a.handleDisconnect))
	mux.HandleFunc("GET "+network.PathStream, a.handleStream)
	mux.HandleFunc("POST "+network.PathCode, a.handle("code", longWriteAccess, a.handleCode))
	mux.HandleFunc("PUT "+network.PathFile+"{path...}", a.handle("upload", longWriteAccess, a.handleUpload))
	mux.HandleFunc("GET "+network.PathFile+"{path...}", a.handle("download", longReadAccess, a.handleDownload))
	mux.HandleFunc("DELETE "+network.PathFile+"{path...}", a.handle("delete", writeAccess, a.handleDelete))
	mux.HandleFunc("POST "+network.PathFileMove, a.handle("move", writeAccess, a.handleMove))
	mux.HandleFunc("PUT "+network.PathDirectory+"{path...}", a.handle("makeDirectory", writeAccess, a.handleMakeDirectory))
	mux.HandleFunc("GET "+network.PathDirectory+"{path...}", a.handle("listDirectory", readAccess, a.handleListDirectory))
	mux.HandleFunc("GET "+network.PathFileInfo+"{path...}", a.handle("fileInfo", readAccess, a.handleFileInfo))
	return mux
}

// handle 为端点统一完成会话校验、长耗时请求计数、错误应答与指标记录。
func (a *Acceptor) handle(route string, acc access, h handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		req := &request{Request: r, key: sessionKeyOf(r)}

		err := a.authorize(req, acc)
		if err == nil {
			if acc.longRunning {
				a.store.MarkLongRunningStart(req.key)
				defer a.store.MarkLongRunningEnd(req.key)
			}
			err = h(sw, req)
		}
		if err != nil {
			a.writeError(sw, route, err)
		}

		metrics.AcceptorRequests.WithLabelValues(route, strconv.Itoa(sw.Status())).Inc()
		metrics.AcceptorRequestLatency.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	}
}

// authorize 校验会话并记录其外部 ID。校验成功同时刷新会话的活跃时间。
func (a *Acceptor) authorize(req *request, acc access) error {
	if acc.public {
		return nil
	}
	if req.key == "" {
		return merr.WrapErrSessionNotFound("", "missing session key")
	}
	if !a.store.Validate(req.key, acc.readWrite) {
		if _, ok := a.store.Lookup(req.key); ok {
			return merr.WrapErrPermissionDenied(req.Method + " " + req.URL.Path)
		}
		return merr.WrapErrSessionNotFound(req.key)
	}
	req.externalID, _ = a.store.Lookup(req.key)
	return nil
}

func (a *Acceptor) writeError(w http.ResponseWriter, route string, err error) {
	status := merr.HTTPCode(err)
	if status >= http.StatusInternalServerError {
		a.Logger().RatedWarn(1, "request failed", zap.String("route", route), zap.Int("status", status), zap.Error(err))
	} else {
		a.Logger().Debug("request rejected", zap.String("route", route), zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func sessionKeyOf(r *http.Request) string {
	if key := r.Header.Get(network.HeaderSessionKey); key != "" {
		return key
	}
	return r.URL.Query().Get(network.ParamSessionKey)
}

func (a *Acceptor) handleConnect(w http.ResponseWriter, req *request) error {
	query := req.URL.Query()
	if a.cfg.Password != "" && query.Get(network.ParamPassword) != a.cfg.Password {
		return merr.WrapErrInvalidCredentials(http.StatusForbidden, "password mismatch")
	}
	if ts := query.Get(network.ParamTime); ts != "" {
		clientTime, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid %s %q", network.ParamTime, ts)
		}
		a.Logger().Debug("client time", zap.Duration("skew", time.Since(clientTime)))
	}
	level := session.ReadWrite
	if query.Get(network.ParamAccess) == network.AccessReadOnly {
		level = session.ReadOnly
	}

	externalID, err := a.control.RegisterSession(req.Context(), level, req.RemoteAddr)
	if err != nil {
		return merr.Combine(merr.WrapErrServiceUnavailable("register session failed"), err)
	}
	key := a.store.IssueSession(externalID, level)
	a.Logger().Info("client connected",
		log.FieldSessionKey(key),
		zap.Int64("externalID", externalID),
		zap.String("origin", req.RemoteAddr))
	return writeJSON(w, http.StatusOK, network.ConnectResponse{
		SessionKey: key,
		APIVersion: network.APIVersion,
	})
}

func (a *Acceptor) handleNoop(w http.ResponseWriter, _ *request) error {
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Acceptor) handleDisconnect(w http.ResponseWriter, req *request) error {
	if req.key == "" || a.store.Revoke(req.key) == 0 {
		return merr.WrapErrSessionNotFound(req.key)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Acceptor) handleCode(w http.ResponseWriter, req *request) error {
	if a.exec == nil {
		return merr.WrapErrServiceUnavailable("no command executor")
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxCodeBytes))
	if err != nil {
		return errors.Wrap(err, "read code")
	}
	reply, err := a.exec.Execute(req.Context(), req.externalID, string(data))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, reply)
	return nil
}

func (a *Acceptor) fileSystem() (FileSystem, error) {
	if a.fs == nil {
		return nil, merr.WrapErrServiceUnavailable("no file system")
	}
	return a.fs, nil
}

func filePath(req *request) (string, error) {
	path := req.PathValue("path")
	if path == "" {
		return "", merr.WrapErrParameterMissing("path")
	}
	return path, nil
}

func (a *Acceptor) handleUpload(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	path, err := filePath(req)
	if err != nil {
		return err
	}
	var modTime time.Time
	if ts := req.URL.Query().Get(network.ParamTimeModified); ts != "" {
		if modTime, err = time.Parse(time.RFC3339, ts); err != nil {
			return merr.WrapErrParameterInvalidMsg("invalid %s %q", network.ParamTimeModified, ts)
		}
	}
	if err := fs.Write(req.Context(), path, req.Body, modTime); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (a *Acceptor) handleDownload(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	path, err := filePath(req)
	if err != nil {
		return err
	}
	rc, err := fs.Open(req.Context(), path)
	if err != nil {
		return err
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		// 应答头已发出，只能记录
		a.Logger().RatedWarn(1, "download interrupted", zap.String("path", path), zap.Error(err))
	}
	return nil
}

func (a *Acceptor) handleDelete(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	path, err := filePath(req)
	if err != nil {
		return err
	}
	if err := fs.Remove(req.Context(), path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Acceptor) handleMove(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	if err := req.ParseForm(); err != nil {
		return merr.WrapErrParameterInvalidMsg("invalid form: %v", err)
	}
	from, to := req.PostForm.Get(network.ParamFrom), req.PostForm.Get(network.ParamTo)
	if from == "" {
		return merr.WrapErrParameterMissing(network.ParamFrom)
	}
	if to == "" {
		return merr.WrapErrParameterMissing(network.ParamTo)
	}
	force := false
	if v := req.PostForm.Get(network.ParamForce); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			return merr.WrapErrParameterInvalid("true|false", v, network.ParamForce)
		}
	}
	if err := fs.Move(req.Context(), from, to, force); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Acceptor) handleMakeDirectory(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	path, err := filePath(req)
	if err != nil {
		return err
	}
	if err := fs.MakeDirectory(req.Context(), path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Acceptor) handleListDirectory(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	entries, err := fs.List(req.Context(), strings.TrimSuffix(req.PathValue("path"), "/"))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []network.FileEntry{}
	}
	return writeJSON(w, http.StatusOK, entries)
}

func (a *Acceptor) handleFileInfo(w http.ResponseWriter, req *request) error {
	fs, err := a.fileSystem()
	if err != nil {
		return err
	}
	path, err := filePath(req)
	if err != nil {
		return err
	}
	info, err := fs.FileInfo(req.Context(), path)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	return nil
}

// statusWriter 记录应答状态码，用于指标。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
