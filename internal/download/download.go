// Package download fetches model artifacts to a storage volume, streaming
// with progress callbacks. Downloads are idempotent against pre-existing
// files: if the artifact is already on disk the network is never touched.
package download

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"inferd/internal/catalog"
	"inferd/internal/common/fsutil"
	"inferd/internal/ledger"
	"inferd/internal/locator"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Minute
	chunkSize             = 256 * 1024
)

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "total",
			Help:      "Completed download attempts by outcome",
		},
		[]string{"outcome"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes fetched from the network",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsTotal, downloadBytes)
}

// ProgressFunc receives cumulative progress after every chunk. percent is
// clamped to 0..100 and reported as 0 while the total size is unknown.
type ProgressFunc func(bytesDone, bytesTotal int64, percent float64)

// Config holds Downloader tunables.
type Config struct {
	// SharedDir is the preferred artifact volume; used when mounted and
	// writable.
	SharedDir string
	// DataDir is the app-scoped fallback volume.
	DataDir        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Downloader streams remote artifacts to disk and registers them with the
// locator and ledger.
type Downloader struct {
	client      *http.Client
	readTimeout time.Duration
	sharedDir   string
	dataDir     string
	loc         *locator.Locator
	led         *ledger.Ledger
	log         zerolog.Logger
}

// New builds a Downloader. The connect timeout bounds dialing only; the
// read timeout bounds the whole transfer and is deliberately generous,
// large artifacts legitimately take tens of minutes.
func New(cfg Config, loc *locator.Locator, led *ledger.Ledger, log zerolog.Logger) *Downloader {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	read := cfg.ReadTimeout
	if read <= 0 {
		read = defaultReadTimeout
	}
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
				TLSHandshakeTimeout:   connect,
				ResponseHeaderTimeout: connect,
			},
		},
		readTimeout: read,
		sharedDir:   cfg.SharedDir,
		dataDir:     cfg.DataDir,
		loc:         loc,
		led:         led,
		log:         log,
	}
}

// TargetPath picks the storage volume for desc: the shared volume when it is
// mounted and passes the write probe, otherwise the app-scoped data dir
// (created on demand).
func (d *Downloader) TargetPath(desc catalog.Descriptor) (string, error) {
	if d.sharedDir != "" {
		if fi, err := os.Stat(d.sharedDir); err == nil && fi.IsDir() {
			if err := fsutil.WriteProbe(d.sharedDir); err == nil {
				return filepath.Join(d.sharedDir, desc.FileName), nil
			}
		}
	}
	if d.dataDir == "" {
		return "", fmt.Errorf("download: no storage volume configured: %w", locator.ErrNoWritableVolume)
	}
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return "", fmt.Errorf("download: data dir %s: %v: %w", d.dataDir, err, locator.ErrNoWritableVolume)
	}
	if err := fsutil.WriteProbe(d.dataDir); err != nil {
		return "", fmt.Errorf("download: data dir not writable: %v: %w", err, locator.ErrNoWritableVolume)
	}
	return filepath.Join(d.dataDir, desc.FileName), nil
}

// Download fetches the artifact for desc, reporting progress after every
// chunk. The transfer streams into a sibling ".part" file and is renamed to
// the target name only when complete, so a file found at the target path is
// always a whole artifact and the call reduces to reference creation without
// touching the network. On failure the leftover ".part" file is ignored (a
// retry transfers from zero) and the ledger records the error.
func (d *Downloader) Download(ctx context.Context, desc catalog.Descriptor, onProgress ProgressFunc) error {
	target, err := d.TargetPath(desc)
	if err != nil {
		return err
	}

	if size, err := fsutil.ReadProbe(target); err == nil {
		d.log.Info().Str("model", desc.ID).Str("path", target).Int64("size", size).
			Msg("artifact already on disk, skipping transfer")
		if onProgress != nil {
			onProgress(size, size, 100)
		}
		if err := d.loc.CreateReference(desc, target); err != nil {
			return err
		}
		if err := d.led.RecordDownloadCompleted(desc.ID, target, size); err != nil {
			d.log.Error().Err(err).Str("model", desc.ID).Msg("ledger write failed")
		}
		downloadsTotal.WithLabelValues("cached").Inc()
		return nil
	}

	if err := d.fetch(ctx, desc, target, onProgress); err != nil {
		if lerr := d.led.RecordDownloadFailed(desc.ID, err.Error()); lerr != nil {
			d.log.Error().Err(lerr).Str("model", desc.ID).Msg("ledger write failed")
		}
		downloadsTotal.WithLabelValues("failed").Inc()
		return err
	}

	size, err := fsutil.ReadProbe(target)
	if err != nil {
		return fmt.Errorf("download: verify %s: %w", target, err)
	}
	if err := d.loc.CreateReference(desc, target); err != nil {
		return err
	}
	if err := d.led.RecordDownloadCompleted(desc.ID, target, size); err != nil {
		d.log.Error().Err(err).Str("model", desc.ID).Msg("ledger write failed")
	}
	downloadsTotal.WithLabelValues("completed").Inc()
	return nil
}

func (d *Downloader) fetch(ctx context.Context, desc catalog.Descriptor, target string, onProgress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("download: request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: connect %s: %w", desc.SourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: %s: unexpected status %d", desc.SourceURL, resp.StatusCode)
	}

	total := resp.ContentLength // -1 when unknown
	if total < 0 {
		total = 0
	}
	if err := d.led.RecordDownloadStarted(desc.ID, target, total); err != nil {
		d.log.Error().Err(err).Str("model", desc.ID).Msg("ledger write failed")
	}
	d.log.Info().Str("model", desc.ID).Str("path", target).Int64("expected", total).
		Msg("download started")

	part := target + fsutil.PartialSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("download: create %s: %w", part, err)
	}
	defer f.Close()

	var done int64
	buf := make([]byte, chunkSize)
	start := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("download: write %s: %w", part, werr)
			}
			done += int64(n)
			downloadBytes.Add(float64(n))
			if onProgress != nil {
				onProgress(done, total, percent(done, total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("download: read body: %w", rerr)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("download: sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("download: close %s: %w", part, err)
	}
	if total > 0 && done != total {
		return fmt.Errorf("download: short transfer for %s: got %d of %d bytes", desc.ID, done, total)
	}
	// The target name must never hold anything but a complete artifact.
	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("download: finalize %s: %w", target, err)
	}
	if onProgress != nil {
		// Final call: done == total and percent == 100, even when the
		// server never reported a length.
		onProgress(done, done, 100)
	}
	d.log.Info().Str("model", desc.ID).Int64("bytes", done).
		Dur("dur", time.Since(start)).Msg("download completed")
	return nil
}

// percent computes clamped progress; unknown totals report 0 rather than
// dividing by zero.
func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
