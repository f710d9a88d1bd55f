package publish

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSnapshotter struct {
	body string
	err  error
}

func (f fakeSnapshotter) Snapshot(_ context.Context, dest string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, []byte(f.body), 0o644)
}

type recordingUploader struct {
	got map[string]string
	err error
}

func (u *recordingUploader) Upload(_ context.Context, files []File) error {
	if u.err != nil {
		return u.err
	}
	u.got = map[string]string{}
	for _, f := range files {
		b, err := io.ReadAll(f.Body)
		if err != nil {
			return err
		}
		u.got[f.Name] = string(b)
	}
	return nil
}

func TestRunUploadsSnapshotAndSummary(t *testing.T) {
	up := &recordingUploader{}
	res, err := Run(context.Background(), fakeSnapshotter{body: "SQLite format 3"}, up, []byte(`{"status":"success"}`), zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if up.got[SnapshotName] != "SQLite format 3" {
		t.Errorf("snapshot = %q", up.got[SnapshotName])
	}
	if up.got[SummaryName] != `{"status":"success"}` {
		t.Errorf("summary = %q", up.got[SummaryName])
	}
	if res.SnapshotBytes != int64(len("SQLite format 3")) || len(res.Files) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunWithoutSummary(t *testing.T) {
	up := &recordingUploader{}
	res, err := Run(context.Background(), fakeSnapshotter{body: "db"}, up, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 || len(up.got) != 1 {
		t.Errorf("files = %v", res.Files)
	}
}

func TestRunErrors(t *testing.T) {
	snapErr := errors.New("disk full")
	if _, err := Run(context.Background(), fakeSnapshotter{err: snapErr}, &recordingUploader{}, nil, zerolog.Nop()); !errors.Is(err, snapErr) {
		t.Errorf("snapshot err = %v", err)
	}

	upErr := errors.New("550 denied")
	if _, err := Run(context.Background(), fakeSnapshotter{body: "db"}, &recordingUploader{err: upErr}, nil, zerolog.Nop()); !errors.Is(err, upErr) {
		t.Errorf("upload err = %v", err)
	}
}

func TestFTPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := NewFTP(Config{Addr: addr, Timeout: time.Second}, zerolog.Nop())
	if err := p.Upload(context.Background(), nil); err == nil {
		t.Error("expected dial error")
	}
	if p.cfg.User != "anonymous" {
		t.Errorf("user = %q, want anonymous default", p.cfg.User)
	}
}
