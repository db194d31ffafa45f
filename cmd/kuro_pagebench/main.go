// kuro_pagebench wires the full page cache stack (config, logger, telemetry,
// disk manager, WAL, buffer pool) and runs a short randomized fetch/modify
// workload against it. It doubles as a smoke test of the wiring.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kurodb/kuro/core/buffer"
	"github.com/kurodb/kuro/core/storage/disk"
	"github.com/kurodb/kuro/core/storage/page"
	"github.com/kurodb/kuro/core/storage/wal"
	"github.com/kurodb/kuro/internal/config"
	internaltelemetry "github.com/kurodb/kuro/internal/telemetry"
	"github.com/kurodb/kuro/pkg/logger"
	"github.com/kurodb/kuro/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	numPages := flag.Int("pages", 256, "number of pages to allocate")
	numOps := flag.Int("ops", 10000, "number of random fetch/modify operations")
	seed := flag.Int64("seed", 1, "workload rng seed")
	flag.Parse()

	if err := run(*configPath, *numPages, *numOps, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "kuro_pagebench: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, numPages, numOps int, seed int64) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	metrics, err := internaltelemetry.NewPoolMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DataFile), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	create := false
	if _, err := os.Stat(cfg.Storage.DataFile); os.IsNotExist(err) {
		create = true
	}
	dm, err := disk.Open(cfg.Storage.DataFile, cfg.Storage.PageSize, create,
		logger.Component(log, "disk"))
	if err != nil {
		return err
	}
	defer dm.Close()

	lm, err := wal.NewLogManagerWithOptions(
		cfg.Storage.WALDir, cfg.Storage.WALBufferSize, cfg.Storage.WALSegmentSize,
		logger.Component(log, "wal"))
	if err != nil {
		return err
	}
	defer lm.Close()

	bpm := buffer.NewBufferPoolManager(
		cfg.Pool.Size, cfg.Pool.BucketSize, dm, lm,
		logger.Component(log, "pool"), metrics)

	ids, err := allocatePages(bpm, lm, numPages)
	if err != nil {
		return err
	}
	log.Info("allocated pages", zap.Int("count", len(ids)))

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < numOps; i++ {
		id := ids[rng.Intn(len(ids))]
		p, err := bpm.FetchPage(id)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", id, err)
		}
		dirty := rng.Intn(2) == 0
		if dirty {
			p.Lock()
			binary.LittleEndian.PutUint64(p.Data()[:8], uint64(i))
			p.Unlock()
			lsn, err := lm.Append(&wal.Record{
				Type:   wal.RecordTypeUpdate,
				PageID: id,
				Data:   p.Data()[:8],
			})
			if err != nil {
				return fmt.Errorf("append wal record: %w", err)
			}
			p.SetLSN(lsn)
		}
		if err := bpm.UnpinPage(id, dirty); err != nil {
			return fmt.Errorf("unpin page %d: %w", id, err)
		}
	}

	if err := bpm.FlushAll(); err != nil {
		return fmt.Errorf("flush all: %w", err)
	}
	log.Info("workload complete",
		zap.Int("pages", numPages),
		zap.Int("ops", numOps))
	return nil
}

// allocatePages creates numPages fresh pages, stamps each with its own id,
// and unpins them dirty so the workload starts with a warm, evictable pool.
func allocatePages(bpm *buffer.BufferPoolManager, lm *wal.LogManager, numPages int) ([]page.PageID, error) {
	ids := make([]page.PageID, 0, numPages)
	for i := 0; i < numPages; i++ {
		p, id, err := bpm.NewPage()
		if err != nil {
			return nil, fmt.Errorf("new page: %w", err)
		}
		binary.LittleEndian.PutUint64(p.Data()[:8], uint64(id))
		lsn, err := lm.Append(&wal.Record{
			Type:   wal.RecordTypeNewPage,
			PageID: id,
		})
		if err != nil {
			return nil, fmt.Errorf("append wal record: %w", err)
		}
		p.SetLSN(lsn)
		if err := bpm.UnpinPage(id, true); err != nil {
			return nil, fmt.Errorf("unpin page %d: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
