package offline

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/savewise/offline-dispatcher/cache"
	cachekey "github.com/savewise/offline-dispatcher/pkg/cache-key"
	serializer "github.com/savewise/offline-dispatcher/pkg/response-serializer"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

const (
	DefaultGeneration = "v1"
	// AutoGeneration derives the generation from the manifest contents.
	AutoGeneration = "auto"
)

// DefaultManifest is the app shell pre-cached on install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.ico",
	"/logo192.png",
	"/logo512.png",
	"/static/js/bundle.js",
	"/static/css/main.css",
}

func StaticStoreName(generation string) string {
	return "static-" + generation
}

func DynamicStoreName(generation string) string {
	return "dynamic-" + generation
}

// ResolveGeneration returns the configured generation, the default one when
// empty, or a manifest digest for "auto".
func ResolveGeneration(generation string, manifest []string) string {
	switch generation {
	case "":
		return DefaultGeneration
	case AutoGeneration:
		sum := blake3.Sum256([]byte(strings.Join(manifest, "\n")))
		return "m" + hex.EncodeToString(sum[:])[:12]
	default:
		return generation
	}
}

// precache fetches all manifest paths concurrently and writes them to the
// static store only if every fetch succeeded.
func (d *Dispatcher) precache(ctx context.Context) error {
	entries := make([]cache.CacheEntry, len(d.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range d.manifest {
		g.Go(func() error {
			entry, err := d.fetchManifestEntry(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := d.cache.Open(ctx, d.staticName)
	if err != nil {
		return fmt.Errorf("open store %s: %w", d.staticName, err)
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry); err != nil {
			return fmt.Errorf("write %s: %w", entry.Key, err)
		}
		d.log.Trace().Str("store", d.staticName).Str("key", entry.Key).Msg("Cache write")
	}
	return nil
}

func (d *Dispatcher) fetchManifestEntry(ctx context.Context, path string) (cache.CacheEntry, error) {
	req, err := cachekey.RequestFromKey(path)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	req = req.WithContext(ctx)
	key := cachekey.Key(req)

	requestTime := time.Now()
	res, err := d.network.Fetch(req)
	if err != nil {
		return cache.CacheEntry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	if !isSuccess(res.StatusCode) {
		res.Body.Close()
		return cache.CacheEntry{}, fmt.Errorf("fetch %s: unexpected status %d", path, res.StatusCode)
	}
	if res.Request == nil {
		res.Request = req
	}
	responseBytes, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		return cache.CacheEntry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	return cache.CacheEntry{Key: key, StoredAt: time.Now(), Bytes: responseBytes}, nil
}
