// Package offline implements the SaveWise offline request dispatcher: an
// http.Handler that keeps the app shell and selected API reads available when
// the SaveWise backend cannot be reached, and replays transactions recorded
// while offline.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/savewise/offline-dispatcher/cache"
	cachekey "github.com/savewise/offline-dispatcher/pkg/cache-key"
	cachestatus "github.com/savewise/offline-dispatcher/pkg/cache-status"
	serializer "github.com/savewise/offline-dispatcher/pkg/response-serializer"
	"github.com/savewise/offline-dispatcher/notify"
	"github.com/savewise/offline-dispatcher/queue"
)

var (
	// ErrBusy is returned when a lifecycle step is requested while another one is running.
	ErrBusy = errors.New("lifecycle step already in progress")
	// ErrNotInstalled is returned when activating an instance that was never installed.
	ErrNotInstalled = errors.New("dispatcher is not installed")
)

// Phase is the lifecycle phase of a dispatcher instance.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActive:
		return "active"
	default:
		return "new"
	}
}

type Config struct {
	Cache    cache.CacheStorage
	Network  Fetcher
	Pending  queue.PendingStore
	Notifier notify.Notifier
	Opener   notify.WindowOpener
	Logger   *zerolog.Logger

	// Generation names the store pair owned by this instance. "auto" derives
	// it from the manifest.
	Generation string
	Manifest   []string
	APIPrefix  string
	Cacheable  []*regexp.Regexp
	// SyncTag is the only background sync tag that drains the pending queue.
	SyncTag          string
	TransactionsPath string
}

type Dispatcher struct {
	cache    cache.CacheStorage
	network  Fetcher
	pending  queue.PendingStore
	notifier notify.Notifier
	opener   notify.WindowOpener
	log      zerolog.Logger

	policy           Policy
	manifest         []string
	generation       string
	staticName       string
	dynamicName      string
	syncTag          string
	transactionsPath string

	mutex   *sync.Mutex
	phase   Phase
	claimed bool

	// writes tracks fire-and-forget cache writes
	writes *sync.WaitGroup
}

// New creates a dispatcher in PhaseNew. Missing collaborators get defaults:
// in-memory stores, an empty pending queue and a log notifier.
func New(config Config) *Dispatcher {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	d := &Dispatcher{
		cache:            config.Cache,
		network:          config.Network,
		pending:          config.Pending,
		notifier:         config.Notifier,
		opener:           config.Opener,
		log:              logger,
		manifest:         config.Manifest,
		syncTag:          config.SyncTag,
		transactionsPath: config.TransactionsPath,
		policy: Policy{
			APIPrefix: config.APIPrefix,
			Cacheable: config.Cacheable,
		},
		mutex:  &sync.Mutex{},
		writes: &sync.WaitGroup{},
	}
	if d.cache == nil {
		d.cache = cache.NewMemStorage()
	}
	if d.pending == nil {
		d.pending = queue.EmptyQueue{}
	}
	if d.notifier == nil || d.opener == nil {
		ln := notify.NewLogNotifier(logger)
		if d.notifier == nil {
			d.notifier = ln
		}
		if d.opener == nil {
			d.opener = ln
		}
	}
	if d.network == nil {
		d.network = FetcherFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("no network configured")
		})
	}
	if d.manifest == nil {
		d.manifest = DefaultManifest
	}
	if d.policy.APIPrefix == "" {
		d.policy.APIPrefix = DefaultAPIPrefix
	}
	if d.policy.Cacheable == nil {
		d.policy.Cacheable, _ = CompilePatterns(DefaultCacheable)
	}
	if d.syncTag == "" {
		d.syncTag = DefaultSyncTag
	}
	if d.transactionsPath == "" {
		d.transactionsPath = DefaultTransactionsPath
	}
	d.generation = ResolveGeneration(config.Generation, d.manifest)
	d.staticName = StaticStoreName(d.generation)
	d.dynamicName = DynamicStoreName(d.generation)
	return d
}

func (d *Dispatcher) Phase() Phase {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.phase
}

func (d *Dispatcher) Generation() string {
	return d.generation
}

// StoreNames returns the names of the static and dynamic stores owned by this instance.
func (d *Dispatcher) StoreNames() (static, dynamic string) {
	return d.staticName, d.dynamicName
}

// controlling reports whether requests go through the offline policy.
func (d *Dispatcher) controlling() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.claimed
}

// enter moves to the given transient phase if no other step is running.
func (d *Dispatcher) enter(next Phase) (Phase, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	prev := d.phase
	if prev == PhaseInstalling || prev == PhaseActivating {
		return prev, ErrBusy
	}
	if next == PhaseActivating && prev == PhaseNew {
		return prev, ErrNotInstalled
	}
	d.phase = next
	return prev, nil
}

func (d *Dispatcher) setPhase(p Phase) {
	d.mutex.Lock()
	d.phase = p
	d.mutex.Unlock()
}

// Install pre-caches every manifest path into the static store. It is
// all-or-nothing: unless every path answers with a 2xx response nothing is
// written. A failed install is not retried. Either way the instance is ready
// to activate right away.
func (d *Dispatcher) Install(ctx context.Context) error {
	prev, err := d.enter(PhaseInstalling)
	if err != nil {
		return err
	}
	d.log.Info().Str("store", d.staticName).Int("paths", len(d.manifest)).Msg("Installing")

	err = d.precache(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Could not cache static assets")
	} else {
		d.log.Info().Str("store", d.staticName).Msg("Cached static assets")
	}

	if prev == PhaseActive {
		d.setPhase(PhaseActive)
	} else {
		d.setPhase(PhaseInstalled)
	}
	return err
}

// Activate deletes every store that is not owned by this instance and then
// takes control of request handling.
func (d *Dispatcher) Activate(ctx context.Context) error {
	if _, err := d.enter(PhaseActivating); err != nil {
		return err
	}
	d.log.Info().Str("generation", d.generation).Msg("Activating")

	err := d.purgeStaleStores(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("Could not clean up old stores")
	}

	d.mutex.Lock()
	d.phase = PhaseActive
	d.claimed = true
	d.mutex.Unlock()
	d.log.Info().Msg("Claimed clients")
	return err
}

// Start installs and immediately activates the dispatcher. An install
// failure does not prevent activation.
func (d *Dispatcher) Start(ctx context.Context) error {
	installErr := d.Install(ctx)
	if err := d.Activate(ctx); err != nil {
		return errors.Join(installErr, err)
	}
	return installErr
}

func (d *Dispatcher) purgeStaleStores(ctx context.Context) error {
	names, err := d.cache.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == d.staticName || name == d.dynamicName {
			continue
		}
		d.log.Info().Str("store", name).Msg("Deleting old store")
		if _, err := d.cache.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Fetch answers an intercepted request. It never fails: connection failures
// are turned into cached or synthesized responses.
func (d *Dispatcher) Fetch(r *http.Request) *http.Response {
	res, _ := d.respond(r)
	return res
}

// ServeHTTP implements the http.Handler interface.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer d.recover(w, r)
	res, status := d.respond(r)
	if err := d.send(w, r, res, status); err != nil {
		d.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Error writing to client")
	}
}

// Wait blocks until all background cache writes have finished.
func (d *Dispatcher) Wait() {
	d.writes.Wait()
}

// recover recovers from panics in the handler and answers with a 502.
func (d *Dispatcher) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		d.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in dispatcher")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
	}
}

func (d *Dispatcher) respond(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	var status cachestatus.CacheStatus
	if !d.controlling() {
		status.Forward(cachestatus.FwdBypass)
		status.Detail = "uncontrolled"
		return d.networkOnly(r, &status, offlineText), status
	}

	class := d.policy.Classify(r)
	d.log.Trace().Str("class", class.String()).Msgf("Incoming request: %s %s", r.Method, r.URL.RequestURI())

	var res *http.Response
	switch class {
	case ClassAPIWrite:
		status.Forward(cachestatus.FwdMethod)
		res = d.networkOnly(r, &status, func(r *http.Request) *http.Response {
			return offlineJSON(r, MessageActionOffline)
		})
	case ClassAPIBypass:
		status.Forward(cachestatus.FwdBypass)
		res = d.networkOnly(r, &status, badGateway)
	case ClassAPICacheable:
		res = d.networkFirst(r, &status)
	case ClassNavigation:
		res = d.navigate(r, &status)
	default:
		res = d.cacheFirst(r, &status)
	}
	return res, status
}

// networkOnly sends the request to the network and answers with fallback on
// connection failure.
func (d *Dispatcher) networkOnly(r *http.Request, status *cachestatus.CacheStatus, fallback func(*http.Request) *http.Response) *http.Response {
	res, err := d.network.Fetch(r)
	if err != nil {
		d.log.Debug().Err(err).Str("url", r.URL.RequestURI()).Msg("Network unavailable")
		status.Detail = "offline"
		return fallback(r)
	}
	status.FwdStatus = res.StatusCode
	return res
}

// networkFirst serves allow-listed API reads: fresh data when online, the last
// successful response when offline.
func (d *Dispatcher) networkFirst(r *http.Request, status *cachestatus.CacheStatus) *http.Response {
	status.Forward(cachestatus.FwdRequest)
	// API data belongs to the client, so it is stored per credentials
	key := cachekey.PartitionedKey(r)
	res, err := d.fetchAndStore(r, key, status)
	if err == nil {
		return res
	}
	d.log.Debug().Err(err).Str("url", r.URL.RequestURI()).Msg("Network unavailable, trying dynamic store")
	status.Detail = "offline"

	if cached := d.lookup(r, d.dynamicName, key); cached != nil {
		status.Hit()
		return cached
	}
	return offlineJSON(r, MessageNoCachedData)
}

// navigate serves top-level document loads, falling back to the cached app shell.
func (d *Dispatcher) navigate(r *http.Request, status *cachestatus.CacheStatus) *http.Response {
	status.Forward(cachestatus.FwdBypass)
	res, err := d.network.Fetch(r)
	if err == nil {
		status.FwdStatus = res.StatusCode
		return res
	}
	d.log.Debug().Err(err).Str("url", r.URL.RequestURI()).Msg("Network unavailable, serving app shell")
	status.Detail = "offline"
	if cached := d.lookup(r, d.staticName, "/"); cached != nil {
		status.Hit()
		return cached
	}
	return offlineText(r)
}

// cacheFirst serves static assets from any store and only goes to the
// network on a miss.
func (d *Dispatcher) cacheFirst(r *http.Request, status *cachestatus.CacheStatus) *http.Response {
	if r.Method != http.MethodGet {
		status.Forward(cachestatus.FwdMethod)
		return d.networkOnly(r, status, offlineText)
	}

	key := cachekey.Key(r)
	entry, ok, err := d.cache.Match(r.Context(), key)
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("Error reading from cache")
	} else if ok {
		if res := d.restore(r, entry); res != nil {
			d.log.Trace().Str("key", key).Msg("Found cached response")
			status.Hit()
			return res
		}
	}

	status.Forward(cachestatus.FwdUriMiss)
	res, err := d.fetchAndStore(r, key, status)
	if err != nil {
		d.log.Debug().Err(err).Str("url", key).Msg("Network unavailable")
		status.Detail = "offline"
		return offlineText(r)
	}
	return res
}

// fetchAndStore fetches from the network and, for successful responses,
// writes a copy to the dynamic store under key in the background.
func (d *Dispatcher) fetchAndStore(r *http.Request, key string, status *cachestatus.CacheStatus) (*http.Response, error) {
	requestTime := time.Now()
	res, err := d.network.Fetch(r)
	if err != nil {
		return nil, err
	}
	status.FwdStatus = res.StatusCode
	if !isSuccess(res.StatusCode) {
		return res, nil
	}
	if res.Request == nil {
		res.Request = r
	}
	responseBytes, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		// the body could not be read completely, so the response is unusable
		return nil, err
	}
	d.storeInBackground(d.dynamicName, key, responseBytes)
	status.Stored = true
	return res, nil
}

func (d *Dispatcher) storeInBackground(storeName, key string, responseBytes []byte) {
	d.writes.Add(1)
	go func() {
		defer d.writes.Done()
		ctx := context.Background()
		store, err := d.cache.Open(ctx, storeName)
		if err != nil {
			d.log.Warn().Err(err).Str("store", storeName).Msg("Could not open store")
			return
		}
		err = store.Put(ctx, cache.CacheEntry{Key: key, StoredAt: time.Now(), Bytes: responseBytes})
		if err != nil {
			d.log.Warn().Err(err).Str("store", storeName).Str("key", key).Msg("Could not write to cache")
			return
		}
		d.log.Trace().Str("store", storeName).Str("key", key).Msg("Cache write")
	}()
}

// lookup reads a single store. Read errors count as a miss.
func (d *Dispatcher) lookup(r *http.Request, storeName, key string) *http.Response {
	store, err := d.cache.Open(r.Context(), storeName)
	if err != nil {
		d.log.Warn().Err(err).Str("store", storeName).Msg("Could not open store")
		return nil
	}
	entry, ok, err := store.Get(r.Context(), key)
	if err != nil {
		d.log.Warn().Err(err).Str("store", storeName).Str("key", key).Msg("Error reading from cache")
		return nil
	}
	if !ok {
		return nil
	}
	return d.restore(r, entry)
}

func (d *Dispatcher) restore(r *http.Request, entry cache.CacheEntry) *http.Response {
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes)
	if err != nil {
		d.log.Warn().Err(err).Str("key", entry.Key).Msg("Could not restore cached response")
		return nil
	}
	sRes.Response.Request = r
	return sRes.Response
}

func (d *Dispatcher) send(w http.ResponseWriter, r *http.Request, res *http.Response, status cachestatus.CacheStatus) error {
	evt := d.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Int("code", res.StatusCode).
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored)
	if status.Detail != "" {
		evt = evt.Str("detail", status.Detail)
	}
	evt.Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	removeHopHeaders(w.Header())
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
