// Package publish ships a consistent copy of the portfolio database and
// the latest run summary to an FTP server for downstream reporting.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
)

const (
	SnapshotName = "portfolio.db"
	SummaryName  = "latest_run.json"
)

// Snapshotter writes a copy of the database to a local file.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Uploader stores a named file at the publish destination.
type Uploader interface {
	Upload(ctx context.Context, files []File) error
}

type File struct {
	Name string
	Body io.Reader
}

type Result struct {
	Files         []string
	SnapshotBytes int64
	Duration      time.Duration
}

// Run snapshots the database into a temporary directory and uploads it
// together with summary. A nil summary uploads the snapshot alone.
func Run(ctx context.Context, st Snapshotter, up Uploader, summary []byte, log zerolog.Logger) (*Result, error) {
	start := time.Now()

	dir, err := os.MkdirTemp("", "portfoliosync-publish-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snap := filepath.Join(dir, SnapshotName)
	if err := st.Snapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	f, err := os.Open(snap)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	files := []File{{Name: SnapshotName, Body: f}}
	if summary != nil {
		files = append(files, File{Name: SummaryName, Body: bytes.NewReader(summary)})
	}
	if err := up.Upload(ctx, files); err != nil {
		return nil, err
	}

	res := &Result{SnapshotBytes: info.Size(), Duration: time.Since(start)}
	for _, file := range files {
		res.Files = append(res.Files, file.Name)
	}
	log.Info().
		Strs("files", res.Files).
		Int64("snapshot_bytes", res.SnapshotBytes).
		Dur("duration", res.Duration).
		Msg("published")
	return res, nil
}

type Config struct {
	Addr     string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTP uploads over a single control connection per publish. Files are
// written under a temporary name and renamed into place.
type FTP struct {
	cfg Config
	log zerolog.Logger
}

func NewFTP(cfg Config, log zerolog.Logger) *FTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User, cfg.Password = "anonymous", "anonymous"
	}
	return &FTP{cfg: cfg, log: log.With().Str("component", "publish").Logger()}
}

func (p *FTP) Upload(ctx context.Context, files []File) error {
	conn, err := ftp.Dial(p.cfg.Addr, ftp.DialWithTimeout(p.cfg.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(p.cfg.User, p.cfg.Password); err != nil {
		return fmt.Errorf("ftp login: %w", err)
	}

	dir := p.cfg.Dir
	if dir == "" {
		dir = "/"
	}
	if err := ensureDir(conn, dir); err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		final := path.Join(dir, f.Name)
		tmp := final + ".partial"
		if err := conn.Stor(tmp, f.Body); err != nil {
			return fmt.Errorf("ftp stor %s: %w", tmp, err)
		}
		_ = conn.Delete(final)
		if err := conn.Rename(tmp, final); err != nil {
			return fmt.Errorf("ftp rename %s: %w", final, err)
		}
		p.log.Debug().Str("file", final).Msg("uploaded")
	}
	return nil
}

// ensureDir creates each missing component of dir.
func ensureDir(conn *ftp.ServerConn, dir string) error {
	if err := conn.ChangeDir(dir); err == nil {
		return nil
	}
	cur := "/"
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur = path.Join(cur, part)
		if err := conn.ChangeDir(cur); err == nil {
			continue
		}
		if err := conn.MakeDir(cur); err != nil {
			return fmt.Errorf("ftp mkdir %s: %w", cur, err)
		}
	}
	return nil
}
