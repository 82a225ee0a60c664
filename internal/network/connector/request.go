package connector

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/boardlink-go/internal/json"
	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/log"
	"github.com/lk2023060901/boardlink-go/pkg/metrics"
	"github.com/lk2023060901/boardlink-go/pkg/util/funcutil"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
	"github.com/lk2023060901/boardlink-go/pkg/util/retry"
)

// 请求操作名，用于日志与指标。
const (
	opSendCode      = "sendCode"
	opUpload        = "upload"
	opDownload      = "download"
	opDelete        = "delete"
	opMove          = "move"
	opMakeDirectory = "makeDirectory"
	opListDirectory = "listDirectory"
	opGetFileInfo   = "getFileInfo"
	opKeepAlive     = "keepAlive"
)

// requestBuilder 为每次尝试构造一个新的请求，请求体不能跨尝试复用。
type requestBuilder func(ctx context.Context) (*http.Request, error)

// responseHandler 处理 2xx 应答；返回的错误不会触发重试。
type responseHandler func(resp *http.Response) error

// attemptError 为单次尝试的结果，fatal 为 true 时不再重试。
type attemptError struct {
	err   error
	fatal bool
}

// SendCode 发送一段控制代码并返回远端的文本应答。
// 单次调用，不设单次超时，只受 ctx 与 Connector 生命周期约束。
func (c *Connector) SendCode(ctx context.Context, code string) (string, error) {
	var reply string
	err := c.once(ctx, opSendCode,
		func(ctx context.Context) (*http.Request, error) {
			req, err := c.newRequest(ctx, http.MethodPost, network.PathCode, "", nil, strings.NewReader(code))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
			return req, nil
		},
		func(resp *http.Response) error {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			reply = string(data)
			return nil
		})
	return reply, err
}

// Upload 将 r 的内容写入远端 path；modTime 非零时一并设置文件修改时间。
// 请求体只能读取一次，因此只调用一次。
func (c *Connector) Upload(ctx context.Context, path string, r io.Reader, modTime time.Time) error {
	if path == "" {
		return merr.WrapErrParameterMissing("path")
	}
	var query url.Values
	if !modTime.IsZero() {
		query = url.Values{network.ParamTimeModified: []string{modTime.Format(time.RFC3339)}}
	}
	return c.once(ctx, opUpload,
		func(ctx context.Context) (*http.Request, error) {
			req, err := c.newRequest(ctx, http.MethodPut, network.PathFile, network.EscapePath(path), query, r)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			return req, nil
		}, nil)
}

// Download 将远端 path 的内容写入 w，返回写入的字节数。
func (c *Connector) Download(ctx context.Context, path string, w io.Writer) (int64, error) {
	if path == "" {
		return 0, merr.WrapErrParameterMissing("path")
	}
	var n int64
	err := c.once(ctx, opDownload,
		func(ctx context.Context) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, network.PathFile, network.EscapePath(path), nil, nil)
		},
		func(resp *http.Response) error {
			var err error
			n, err = io.Copy(w, resp.Body)
			return err
		})
	return n, err
}

// Delete 删除远端文件或空目录。
func (c *Connector) Delete(ctx context.Context, path string) error {
	if path == "" {
		return merr.WrapErrParameterMissing("path")
	}
	return c.idempotent(ctx, opDelete, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodDelete, network.PathFile, network.EscapePath(path), nil, nil)
	}, nil)
}

// Move 将远端文件从 from 移动到 to；force 为 true 时覆盖已存在的目标。
func (c *Connector) Move(ctx context.Context, from, to string, force bool) error {
	if from == "" {
		return merr.WrapErrParameterMissing(network.ParamFrom)
	}
	if to == "" {
		return merr.WrapErrParameterMissing(network.ParamTo)
	}
	form := url.Values{
		network.ParamFrom:  []string{from},
		network.ParamTo:    []string{to},
		network.ParamForce: []string{strconv.FormatBool(force)},
	}.Encode()
	return c.idempotent(ctx, opMove, func(ctx context.Context) (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, network.PathFileMove, "", nil, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, nil)
}

// MakeDirectory 在远端创建目录（含缺失的父目录）。
func (c *Connector) MakeDirectory(ctx context.Context, path string) error {
	if path == "" {
		return merr.WrapErrParameterMissing("path")
	}
	return c.idempotent(ctx, opMakeDirectory, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPut, network.PathDirectory, network.EscapePath(path), nil, nil)
	}, nil)
}

// ListDirectory 列出远端目录的内容。
func (c *Connector) ListDirectory(ctx context.Context, path string) ([]network.FileEntry, error) {
	var entries []network.FileEntry
	err := c.idempotent(ctx, opListDirectory,
		func(ctx context.Context) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, network.PathDirectory, network.EscapePath(path), nil, nil)
		},
		func(resp *http.Response) error {
			entries = entries[:0]
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				return errors.Wrap(merr.WrapErrProtocol(resp.StatusCode, "malformed directory listing"), err.Error())
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetFileInfo 返回远端对文件（通常为 G-code 文件）的解析结果。
func (c *Connector) GetFileInfo(ctx context.Context, path string) (map[string]any, error) {
	if path == "" {
		return nil, merr.WrapErrParameterMissing("path")
	}
	var info map[string]any
	err := c.idempotent(ctx, opGetFileInfo,
		func(ctx context.Context) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, network.PathFileInfo, network.EscapePath(path), nil, nil)
		},
		func(resp *http.Response) error {
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if info, err = json.UnmarshalObject(data); err != nil {
				return errors.Wrap(merr.WrapErrProtocol(resp.StatusCode, "malformed file info"), err.Error())
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// once 执行只调用一次的请求操作：不设单次超时，失败不重试。
func (c *Connector) once(ctx context.Context, op string, build requestBuilder, handle responseHandler) error {
	if c.State() == StateTerminated {
		return merr.WrapErrConnectorClosed(op)
	}
	ctx, cancel := funcutil.MergeContext(ctx, c.ctx)
	defer cancel()

	start := time.Now()
	res := c.attempt(ctx, ctx, op, build, handle)
	c.observe(op, start)
	if res.err != nil {
		log.Ctx(ctx).Debug("request failed", zap.String("op", op), zap.Error(res.err))
	}
	return res.err
}

// idempotent 执行幂等的请求操作，最多尝试 MaxRetries+1 次。
//
//   - 404 与 >=500 立即失败；
//   - 调用方或 Connector 生命周期取消时立即返回 merr.ErrCanceled；
//   - 单次尝试超时及其他非成功应答视为瞬时失败，立即重试；
//   - 次数耗尽时，最后一次失败携带 HTTP 状态码则返回 merr.ErrProtocol，否则返回 merr.ErrTransient。
func (c *Connector) idempotent(ctx context.Context, op string, build requestBuilder, handle responseHandler) error {
	if c.State() == StateTerminated {
		return merr.WrapErrConnectorClosed(op)
	}
	ctx, cancel := funcutil.MergeContext(ctx, c.ctx)
	defer cancel()

	start := time.Now()
	exhausted := false
	err := retry.Handle(ctx, func() (bool, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		res := c.attempt(ctx, attemptCtx, op, build, handle)
		if res.err == nil {
			return false, nil
		}
		exhausted = !res.fatal
		return !res.fatal, res.err
	}, retry.Attempts(uint(c.cfg.MaxRetries+1)), retry.Sleep(0))
	c.observe(op, start)

	if err != nil && exhausted && !errors.Is(err, merr.ErrCanceled) {
		if status, ok := merr.HTTPStatus(err); ok {
			err = errors.Wrapf(merr.WrapErrProtocol(status, err.Error()), "%s: retries exhausted", op)
		}
	}
	return err
}

// attempt 发送一次请求。outer 为调用方与 Connector 生命周期合并后的上下文，
// ctx 可能额外带有单次尝试的超时，两者用于区分外部取消与瞬时失败。
func (c *Connector) attempt(outer, ctx context.Context, op string, build requestBuilder, handle responseHandler) (res attemptError) {
	defer func() {
		metrics.ConnectorRequestAttempts.WithLabelValues(op, outcomeOf(res.err)).Inc()
	}()

	req, err := build(ctx)
	if err != nil {
		return attemptError{err: err, fatal: true}
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		err = c.classifyTransportErr(outer, err, op)
		return attemptError{err: err, fatal: errors.Is(err, merr.ErrCanceled)}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		err := merr.ErrorFromStatus(resp.StatusCode, readReason(resp))
		fatal := resp.StatusCode == http.StatusNotFound || resp.StatusCode >= http.StatusInternalServerError
		return attemptError{err: err, fatal: fatal}
	}
	if handle == nil {
		return attemptError{}
	}
	if err := handle(resp); err != nil {
		if errors.Is(err, merr.ErrProtocol) {
			return attemptError{err: err, fatal: true}
		}
		// 读取应答体时连接中断
		err = c.classifyTransportErr(outer, err, op)
		return attemptError{err: err, fatal: errors.Is(err, merr.ErrCanceled)}
	}
	return attemptError{}
}

// observe 记录一次请求操作（含重试）的耗时，单位毫秒。
func (c *Connector) observe(op string, start time.Time) {
	metrics.ConnectorRequestLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}
