package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dpn/pkg/fixity"
	"dpn/pkg/types"

	"go.uber.org/zap"
)

// copyBufferSize is the unit between cancellation checkpoints.
const copyBufferSize = 1024 * 1024

// Fetcher reads the bag at location for one protocol.
type Fetcher interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// FileFetcher opens locations as paths on a filesystem shared by the nodes.
type FileFetcher struct{}

func (FileFetcher) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(location, "file://")
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("location %q is not an absolute path", location)
	}
	return os.Open(path)
}

// Local keeps staged and preserved bags in two directories. Locations it
// hands out are absolute paths, fetched by the Fetcher registered for the
// negotiated protocol.
type Local struct {
	stagingDir    string
	repositoryDir string
	fetchers      map[types.Protocol]Fetcher
	logger        *zap.Logger
}

func NewLocal(stagingDir, repositoryDir string, logger *zap.Logger) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{stagingDir, repositoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	stagingAbs, err := filepath.Abs(stagingDir)
	if err != nil {
		return nil, err
	}
	repositoryAbs, err := filepath.Abs(repositoryDir)
	if err != nil {
		return nil, err
	}
	return &Local{
		stagingDir:    stagingAbs,
		repositoryDir: repositoryAbs,
		fetchers: map[types.Protocol]Fetcher{
			types.ProtocolHTTPS: FileFetcher{},
			types.ProtocolRsync: FileFetcher{},
		},
		logger: logger,
	}, nil
}

// SetFetcher replaces the fetcher used for protocol.
func (l *Local) SetFetcher(protocol types.Protocol, f Fetcher) {
	l.fetchers[protocol] = f
}

func (l *Local) StagedPath(peer types.NodeID, location string) string {
	return filepath.Join(l.stagingDir, safeName(string(peer)), safeName(filepath.Base(location)))
}

func (l *Local) Download(ctx context.Context, peer types.NodeID, location string, protocol types.Protocol) (string, error) {
	fetcher, ok := l.fetchers[protocol]
	if !ok {
		return "", fmt.Errorf("no fetcher for protocol %s", protocol)
	}

	src, err := fetcher.Open(ctx, location)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", location, err)
	}
	defer src.Close()

	dst := l.StagedPath(peer, location)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	n, err := copyFile(ctx, dst, src)
	if err != nil {
		return "", err
	}

	l.logger.Debug("Staged bag",
		zap.String("peer", string(peer)),
		zap.String("location", location),
		zap.String("path", dst),
		zap.Int64("bytes", n))
	return dst, nil
}

func (l *Local) Digest(ctx context.Context, path, algorithm string) (string, error) {
	engine, err := fixity.NewEngine(algorithm)
	if err != nil {
		return "", err
	}
	return engine.DigestFile(ctx, path)
}

func (l *Local) path(id types.ObjectID) string {
	return filepath.Join(l.repositoryDir, safeName(string(id)))
}

func (l *Local) Has(id types.ObjectID) bool {
	info, err := os.Stat(l.path(id))
	return err == nil && info.Mode().IsRegular()
}

func (l *Local) Path(id types.ObjectID) (string, error) {
	if !l.Has(id) {
		return "", fmt.Errorf("%w: %s", ErrNoBag, id)
	}
	return l.path(id), nil
}

func (l *Local) Location(id types.ObjectID, protocol types.Protocol) (string, error) {
	if _, ok := l.fetchers[protocol]; !ok {
		return "", fmt.Errorf("no fetcher for protocol %s", protocol)
	}
	return l.Path(id)
}

func (l *Local) Ingest(ctx context.Context, id types.ObjectID, source string) (string, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("failed to open bag: %w", err)
	}
	defer src.Close()

	dst := l.path(id)
	if _, err := copyFile(ctx, dst, src); err != nil {
		return "", err
	}
	l.logger.Info("Ingested bag", zap.String("object_id", string(id)), zap.String("path", dst))
	return dst, nil
}

func (l *Local) Promote(ctx context.Context, id types.ObjectID, staged string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(staged, l.path(id)); err != nil {
		return fmt.Errorf("failed to promote %s: %w", staged, err)
	}
	l.logger.Info("Bag preserved", zap.String("object_id", string(id)))
	return nil
}

func (l *Local) Discard(staged string) error {
	if !strings.HasPrefix(staged, l.stagingDir+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside staging", staged)
	}
	if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged bag: %w", err)
	}
	return nil
}

// copyFile writes src to a temporary file beside dst, checking ctx between
// buffers, and renames it into place once complete.
func copyFile(ctx context.Context, dst string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				cleanup()
				return total, fmt.Errorf("failed to write %s: %w", dst, werr)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cleanup()
			return total, fmt.Errorf("failed to read bag: %w", rerr)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return total, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return total, fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return total, nil
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
