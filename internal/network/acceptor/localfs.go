package acceptor

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/boardlink-go/internal/network"
	"github.com/lk2023060901/boardlink-go/pkg/util/merr"
)

// fileInfoScanBytes 为解析文件信息时最多读取的字节数。
const fileInfoScanBytes = 64 << 10

// LocalFS 是以本地目录为根的 FileSystem。
//
// 客户端路径中的卷前缀（如 "0:/"）被忽略，所有路径都被限制在根目录之内。
type LocalFS struct {
	root string
}

var _ FileSystem = (*LocalFS)(nil)

// NewLocalFS 以 root 为根目录创建 LocalFS，root 不存在时创建之。
func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create root %s", abs)
	}
	return &LocalFS{root: abs}, nil
}

// Root 返回根目录的绝对路径。
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) resolve(p string) string {
	if i := strings.Index(p, ":/"); i > 0 {
		if _, err := strconv.Atoi(p[:i]); err == nil {
			p = p[i+1:]
		}
	}
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+p)))
}

func convertErr(err error, p string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return merr.WrapErrNotFound(p)
	}
	return errors.Wrapf(err, "access %s", p)
}

func (l *LocalFS) Open(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(l.resolve(p))
	if err != nil {
		return nil, convertErr(err, p)
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		_ = f.Close()
		return nil, merr.WrapErrParameterInvalidMsg("%s is a directory", p)
	}
	return f, nil
}

// Write 先写入同目录下的临时文件再原子替换目标文件。
func (l *LocalFS) Write(ctx context.Context, p string, r io.Reader, modTime time.Time) error {
	target := l.resolve(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return convertErr(err, p)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return convertErr(err, p)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write %s", p)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "write %s", p)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tmp.Name(), modTime, modTime); err != nil {
			return errors.Wrapf(err, "set modification time of %s", p)
		}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return convertErr(err, p)
	}
	return nil
}

func (l *LocalFS) Remove(_ context.Context, p string) error {
	target := l.resolve(p)
	if target == l.root {
		return merr.WrapErrPermissionDenied("remove root")
	}
	if err := os.Remove(target); err != nil {
		return convertErr(err, p)
	}
	return nil
}

func (l *LocalFS) Move(_ context.Context, from, to string, force bool) error {
	src, dst := l.resolve(from), l.resolve(to)
	if _, err := os.Stat(src); err != nil {
		return convertErr(err, from)
	}
	if _, err := os.Stat(dst); err == nil && !force {
		return merr.WrapErrParameterInvalidMsg("target %s already exists", to)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return convertErr(err, to)
	}
	if err := os.Rename(src, dst); err != nil {
		return convertErr(err, from)
	}
	return nil
}

func (l *LocalFS) MakeDirectory(_ context.Context, p string) error {
	if err := os.MkdirAll(l.resolve(p), 0o755); err != nil {
		return convertErr(err, p)
	}
	return nil
}

// List 按名称排序返回目录项，目录的 Size 为 0。
func (l *LocalFS) List(_ context.Context, p string) ([]network.FileEntry, error) {
	dirEntries, err := os.ReadDir(l.resolve(p))
	if err != nil {
		return nil, convertErr(err, p)
	}
	entries := make([]network.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), ".upload-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := network.FileEntry{
			Type: network.EntryFile,
			Name: de.Name(),
			Date: info.ModTime().UTC().Truncate(time.Second),
		}
		if de.IsDir() {
			entry.Type = network.EntryDirectory
		} else {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// FileInfo 返回文件的基本信息，并从文件头部的注释中提取切片软件写入的元数据。
func (l *LocalFS) FileInfo(_ context.Context, p string) (map[string]any, error) {
	f, err := os.Open(l.resolve(p))
	if err != nil {
		return nil, convertErr(err, p)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, convertErr(err, p)
	}
	if st.IsDir() {
		return nil, merr.WrapErrParameterInvalidMsg("%s is a directory", p)
	}

	info := map[string]any{
		"fileName":     p,
		"size":         st.Size(),
		"lastModified": st.ModTime().UTC().Format(time.RFC3339),
	}
	scanner := bufio.NewScanner(io.LimitReader(f, fileInfoScanBytes))
	lines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lines++
		comment, ok := strings.CutPrefix(line, ";")
		if !ok {
			continue
		}
		comment = strings.TrimSpace(comment)
		if v, ok := cutFold(comment, "generated by "); ok {
			info["generatedBy"] = v
			continue
		}
		key, value, ok := strings.Cut(comment, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "layer_height", "layerHeight":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				info["layerHeight"] = v
			}
		case "filament used [mm]", "filament_used":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				info["filament"] = []any{v}
			}
		}
	}
	info["scannedLines"] = lines
	return info, nil
}

func cutFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// ctxReader 在 ctx 结束后中断读取。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
