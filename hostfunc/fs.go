package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files.
	MountReadWrite
	// MountReadWriteCreate also allows creating files and directories.
	MountReadWriteCreate
)

func (m MountMode) String() string {
	switch m {
	case MountReadOnly:
		return "ro"
	case MountReadWrite:
		return "rw"
	case MountReadWriteCreate:
		return "rwc"
	}
	return fmt.Sprintf("MountMode(%d)", int(m))
}

// ParseMountMode accepts "ro", "rw" or "rwc".
func ParseMountMode(s string) (MountMode, error) {
	switch s {
	case "ro":
		return MountReadOnly, nil
	case "rw":
		return MountReadWrite, nil
	case "rwc":
		return MountReadWriteCreate, nil
	}
	return 0, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", s)
}

// Mount maps a virtual path seen by scripts onto a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// ParseMount parses "virtual:host:mode".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}
	mode, err := ParseMountMode(parts[2])
	if err != nil {
		return Mount{}, err
	}
	return Mount{VirtualPath: parts[0], HostPath: parts[1], Mode: mode}, nil
}

const (
	DefaultMaxFileSize   = 10 << 20
	DefaultMaxWriteSize  = 10 << 20
	DefaultMaxPathLength = 4096
)

type fsConfig struct {
	maxFileSize   int64
	maxWriteSize  int64
	maxPathLength int
}

type FSOption func(*fsConfig)

func WithMaxFileSize(size int64) FSOption {
	return func(c *fsConfig) { c.maxFileSize = size }
}

func WithMaxWriteSize(size int64) FSOption {
	return func(c *fsConfig) { c.maxWriteSize = size }
}

func WithMaxPathLength(n int) FSOption {
	return func(c *fsConfig) { c.maxPathLength = n }
}

// FS provides filesystem operations confined to explicit mount points.
type FS struct {
	mounts []Mount
	cfg    fsConfig
}

func NewFS(mounts []Mount, opts ...FSOption) *FS {
	cfg := fsConfig{
		maxFileSize:   DefaultMaxFileSize,
		maxWriteSize:  DefaultMaxWriteSize,
		maxPathLength: DefaultMaxPathLength,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return &FS{mounts: normalized, cfg: cfg}
}

func (f *FS) findMount(vp string) *Mount {
	var best *Mount
	for i := range f.mounts {
		m := &f.mounts[i]
		if vp == m.VirtualPath || m.VirtualPath == "/" || strings.HasPrefix(vp, m.VirtualPath+"/") {
			if best == nil || len(m.VirtualPath) > len(best.VirtualPath) {
				best = m
			}
		}
	}
	return best
}

// Resolve maps a virtual path onto the host filesystem for reading.
func (f *FS) Resolve(virtualPath string) (string, error) {
	hp, _, err := f.resolve(virtualPath, false)
	return hp, err
}

func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if f.cfg.maxPathLength > 0 && len(virtualPath) > f.cfg.maxPathLength {
		return "", nil, errors.New("path exceeds max length")
	}

	vp := path.Clean("/" + virtualPath)
	m := f.findMount(vp)
	if m == nil {
		return "", nil, errors.New("permission denied: path not in any mount")
	}
	if needWrite && m.Mode == MountReadOnly {
		return "", nil, errors.New("permission denied: read-only mount")
	}

	rel := strings.TrimPrefix(vp, m.VirtualPath)
	hostPath := filepath.Join(m.HostPath, filepath.FromSlash(rel))

	r, err := filepath.Rel(m.HostPath, hostPath)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", nil, errors.New("permission denied: path escape attempt")
	}
	return hostPath, m, nil
}

func pathArg(args map[string]any) (string, error) {
	p, ok := args["path"].(string)
	if !ok || p == "" {
		return "", errors.New("path required")
	}
	return p, nil
}

func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, errors.New("read error: " + err.Error())
	}
	if info.IsDir() {
		return nil, errors.New("is a directory: " + p)
	}
	if f.cfg.maxFileSize > 0 && info.Size() > f.cfg.maxFileSize {
		return nil, fmt.Errorf("file exceeds max size (%d bytes)", f.cfg.maxFileSize)
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	return string(data), nil
}

func (f *FS) Write(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content required")
	}
	if f.cfg.maxWriteSize > 0 && int64(len(content)) > f.cfg.maxWriteSize {
		return nil, fmt.Errorf("content exceeds max write size (%d bytes)", f.cfg.maxWriteSize)
	}

	hostPath, m, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content), 0o644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return "ok", nil
}

func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + p)
		}
		return nil, errors.New("list error: " + err.Error())
	}

	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports false for paths outside every mount rather than failing.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

func (f *FS) Mkdir(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}
	return "ok", nil
}

func (f *FS) Remove(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, m, err := f.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if hostPath == m.HostPath {
		return nil, errors.New("permission denied: cannot remove mount root")
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + p)
		}
		if entries, rerr := os.ReadDir(hostPath); rerr == nil && len(entries) > 0 {
			return nil, errors.New("directory not empty: " + p)
		}
		return nil, errors.New("remove error: " + err.Error())
	}
	return "ok", nil
}

func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, _, err := f.resolve(p, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, errors.New("stat error: " + err.Error())
	}

	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}

func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_write", f.Write)
	r.Register("fs_list", f.List)
	r.Register("fs_exists", f.Exists)
	r.Register("fs_mkdir", f.Mkdir)
	r.Register("fs_remove", f.Remove)
	r.Register("fs_stat", f.Stat)
}
