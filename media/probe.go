// Package media extracts media-specific attributes (format, pixel
// dimensions) from indexed files. Probing runs on a bounded worker
// pool and attaches results through the index after the fact, so
// directory reads never wait on content inspection.
package media

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	"golang.org/x/sync/semaphore"
)

// Sink receives probe results keyed by content fingerprint; one result
// applies to every file sharing the hash.
type Sink interface {
	AttachMedia(hash string, meta *data.MediaMeta)
}

// Prober is the bounded probe pool.
type Prober struct {
	sem  *semaphore.Weighted
	sink Sink
	log  *log.Logger
	wg   sync.WaitGroup
}

func NewProber(sink Sink, workers int64, logger *log.Logger) *Prober {
	if workers <= 0 {
		workers = 2
	}
	return &Prober{
		sem:  semaphore.NewWeighted(workers),
		sink: sink,
		log:  logger,
	}
}

// Enqueue schedules a probe of the file at path. Returns immediately;
// files that don't look like media are dropped without scheduling.
func (p *Prober) Enqueue(path, hash string) {
	if hash == "" || !Probable(path) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		meta, err := probe(path)
		if err != nil {
			p.log.Debug("media probe %s: %v", path, err)
			return
		}
		p.sink.AttachMedia(hash, meta)
	}()
}

// Wait blocks until every scheduled probe has finished.
func (p *Prober) Wait() {
	p.wg.Wait()
}

// Probable reports whether the file's extension marks it as probe
// candidate.
func Probable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return true
	}
	return false
}

func probe(path string) (*data.MediaMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}

	return &data.MediaMeta{
		Type:   strings.ToUpper(format),
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
