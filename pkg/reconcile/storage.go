package reconcile

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/transfer"
)

// StorageFile names one file a node process needs materialized locally
// before it can start: the node binary, genesis block, and ledger
// snapshot all flow through the same download path.
type StorageFile struct {
	Name string // relative filename under the storage directory
	URL  string // absolute source URL on the controller
}

// StorageReconciler ensures every file a node needs for its assigned
// storage descriptor exists on disk, downloading anything missing through
// the agent's transfer monitor. Grounded on
// original_source/crates/agent/src/reconcile/checkpoint.rs's
// CheckpointSource::acquire (HTTP download reported through transfer_tx),
// generalized from checkpoints specifically to any storage file.
type StorageReconciler struct {
	Dir     string
	Monitor *transfer.Monitor
	Client  *http.Client
}

func (r *StorageReconciler) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// Reconcile downloads any of files not already present under Dir, one at
// a time, reporting each through the transfer monitor.
func (r *StorageReconciler) Reconcile(ctx context.Context, files []StorageFile) (Status[struct{}], error) {
	for _, f := range files {
		path := filepath.Join(r.Dir, f.Name)
		if _, err := os.Stat(path); err == nil {
			continue
		}

		if err := r.download(ctx, f, path); err != nil {
			return Empty[struct{}]().WithCondition(MissingFile(f.Name)), err
		}
	}
	return With(struct{}{}), nil
}

func (r *StorageReconciler) download(ctx context.Context, f StorageFile, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindSchema, "reconcile.storage.bad-url", err)
	}

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return apierr.Offline("reconcile.storage", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.MissingFile(f.URL)
	}

	id := transfer.NextID()
	total := uint64(resp.ContentLength)
	if r.Monitor != nil {
		r.Monitor.Start(id, f.Name, total)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return apierr.Wrap(apierr.KindResourceAcquisition, "reconcile.storage.mkdir", err)
	}
	tmp := destPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return apierr.Wrap(apierr.KindResourceAcquisition, "reconcile.storage.create", err)
	}

	written, copyErr := io.Copy(out, &progressReader{r: resp.Body, monitor: r.Monitor, id: id})
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if r.Monitor != nil {
			r.Monitor.End(id, "transfer error")
		}
		if copyErr != nil {
			return apierr.Wrap(apierr.KindTransientNetwork, "reconcile.storage.download-failed", copyErr)
		}
		return apierr.Wrap(apierr.KindResourceAcquisition, "reconcile.storage.write-failed", closeErr)
	}

	if err := os.Rename(tmp, destPath); err != nil {
		return apierr.Wrap(apierr.KindResourceAcquisition, "reconcile.storage.rename", err)
	}

	if r.Monitor != nil {
		r.Monitor.End(id, "")
	}
	log.Logger.Info().Str("file", f.Name).Int64("bytes", written).Msg("reconcile: downloaded storage file")
	return nil
}

// progressReader wraps a download body, reporting cumulative bytes read to
// the transfer monitor as the copy proceeds.
type progressReader struct {
	r       io.Reader
	monitor *transfer.Monitor
	id      transfer.ID
	read    uint64
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += uint64(n)
		if p.monitor != nil {
			p.monitor.Progress(p.id, p.read)
		}
	}
	return n, err
}
