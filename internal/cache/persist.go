package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/your-org/presence/internal/models"
)

const fileVersion = 1

// On-disk layout: one zstd frame holding a CBOR document. Each pool is stored as
// a single contiguous matrix with parallel id/name slices.
type fileDoc struct {
	Version int             `cbor:"1,keyasint"`
	SavedAt time.Time       `cbor:"2,keyasint"`
	Model   models.ModelTag `cbor:"3,keyasint"`
	Tenants []tenantDoc     `cbor:"4,keyasint"`
}

type tenantDoc struct {
	Tenant models.TenantID `cbor:"1,keyasint"`
	Pools  []poolDoc       `cbor:"2,keyasint"`
}

type poolDoc struct {
	Role  models.Role `cbor:"1,keyasint"`
	Dim   int         `cbor:"2,keyasint"`
	Data  []float32   `cbor:"3,keyasint"`
	IDs   []string    `cbor:"4,keyasint"`
	Names []string    `cbor:"5,keyasint"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: cbor encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// PersistToDisk writes every tenant to path atomically (temp file + rename).
func (c *Cache) PersistToDisk(path string) error {
	// cleared before the load so a concurrent write marks the next round dirty
	c.dirty.Store(false)
	tenants := *c.tenants.Load()
	doc := fileDoc{
		Version: fileVersion,
		SavedAt: time.Now().UTC(),
		Model:   c.tag,
		Tenants: make([]tenantDoc, 0, len(tenants)),
	}
	for _, id := range sortedTenants(tenants) {
		t := tenants[id]
		td := tenantDoc{Tenant: id}
		for _, p := range []*PoolSnapshot{t.Student, t.Staff} {
			m := p.Matrix()
			td.Pools = append(td.Pools, poolDoc{Role: p.role, Dim: m.Dim, Data: m.Data, IDs: m.IDs, Names: m.Names})
		}
		doc.Tenants = append(doc.Tenants, td)
	}

	raw, err := encMode.Marshal(doc)
	if err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("encode cache snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		c.dirty.Store(true)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		c.dirty.Store(true)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		c.dirty.Store(true)
		return fmt.Errorf("rename cache file: %w", err)
	}

	slog.Debug("cache persisted", "path", path, "tenants", len(doc.Tenants), "bytes", len(compressed))
	return nil
}

// LoadFromDisk replaces the whole cache with the contents of path. A file written
// for a different model is ignored and reported as stale; a missing file is
// os.ErrNotExist.
func (c *Cache) LoadFromDisk(path string) (int, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return 0, fmt.Errorf("decompress cache file: %w", err)
	}
	var doc fileDoc
	if err := cbor.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decode cache file: %w", err)
	}
	if doc.Version != fileVersion {
		return 0, fmt.Errorf("cache file version %d, want %d", doc.Version, fileVersion)
	}
	if !c.tag.IsZero() && doc.Model != c.tag {
		slog.Warn("discarding stale cache file", "path", path, "file_model", doc.Model.String(), "model", c.tag.String())
		return 0, nil
	}

	next := make(tenantMap, len(doc.Tenants))
	for _, td := range doc.Tenants {
		if err := td.Tenant.Validate(); err != nil {
			continue
		}
		snap := emptyTenant(td.Tenant, c.tag.Dim)
		for _, pd := range td.Pools {
			p, err := pd.snapshot(doc.Model)
			if err != nil {
				return 0, fmt.Errorf("tenant %s: %w", td.Tenant, err)
			}
			snap = snap.withPool(p)
		}
		next[td.Tenant] = snap
	}

	c.mu.Lock()
	c.tenants.Store(&next)
	c.loadedAt = make(map[models.TenantID]time.Time, len(next))
	for t, snap := range next {
		c.loadedAt[t] = doc.SavedAt
		c.publishGauges(t, snap)
	}
	c.mu.Unlock()
	c.dirty.Store(false)

	slog.Info("cache loaded from disk", "path", path, "tenants", len(next), "saved_at", doc.SavedAt)
	return len(next), nil
}

func (pd poolDoc) snapshot(tag models.ModelTag) (*PoolSnapshot, error) {
	if pd.Role != models.RoleStudent && pd.Role != models.RoleStaff {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, pd.Role)
	}
	if len(pd.IDs) != len(pd.Names) || len(pd.Data) != len(pd.IDs)*pd.Dim {
		return nil, fmt.Errorf("%w: pool %s has %d ids, %d values, dim %d",
			ErrDimensionMismatch, pd.Role, len(pd.IDs), len(pd.Data), pd.Dim)
	}
	entries := make(map[string]Entry, len(pd.IDs))
	for i, id := range pd.IDs {
		v := make([]float32, pd.Dim)
		copy(v, pd.Data[i*pd.Dim:(i+1)*pd.Dim])
		entries[id] = Entry{Vector: v, DisplayName: pd.Names[i], Role: pd.Role, ModelTag: tag}
	}
	return newPoolSnapshot(pd.Role, pd.Dim, entries), nil
}

// RunPersistLoop writes the cache to path every interval while it is dirty, and
// once more on shutdown.
func (c *Cache) RunPersistLoop(ctx context.Context, path string, interval time.Duration) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.dirty.Load() {
				if err := c.PersistToDisk(path); err != nil {
					slog.Error("final cache persist failed", "path", path, "error", err)
				}
			}
			return
		case <-ticker.C:
			if !c.dirty.Load() {
				continue
			}
			if err := c.PersistToDisk(path); err != nil {
				slog.Error("cache persist failed", "path", path, "error", err)
			}
		}
	}
}

// IsNotExist reports whether a LoadFromDisk error means there was no file yet.
func IsNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }
