package offgrid

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

type LifecycleState string

const (
	StateParsed     LifecycleState = "parsed"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
	// StateRedundant marks a version whose install failed. The previously
	// active generation, if any, keeps serving.
	StateRedundant LifecycleState = "redundant"
)

// Lifecycle owns cache versioning: it precaches the manifest into the
// generation this build installs, retires every other generation on
// activation and then switches request handling over to it.
type Lifecycle struct {
	store    *CacheStore
	fetch    Fetcher
	name     string
	manifest []string

	// precacheLimit bounds concurrent manifest fetches.
	precacheLimit int

	// opMu serializes resume, install and activate.
	opMu sync.Mutex

	mu    sync.Mutex
	state LifecycleState

	current atomic.Pointer[Generation]
}

func NewLifecycle(store *CacheStore, fetch Fetcher, name string, manifest []string) *Lifecycle {
	return &Lifecycle{
		store:         store,
		fetch:         fetch,
		name:          name,
		manifest:      manifest,
		precacheLimit: 8,
		state:         StateParsed,
	}
}

// Current is the generation requests read and write. It is nil until some
// generation has been activated.
func (l *Lifecycle) Current() *Generation {
	return l.current.Load()
}

func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s LifecycleState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Resume claims the generation that was active when the process last ran.
func (l *Lifecycle) Resume() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.resume()
}

func (l *Lifecycle) resume() error {
	name, ok, err := l.store.Active()
	if err != nil || !ok {
		return err
	}
	exists, err := l.store.Has(name)
	if err != nil || !exists {
		return err
	}
	l.current.Store(&Generation{store: l.store, name: name})
	if name == l.name {
		l.setState(StateActive)
	}
	log.Printf("lifecycle: resumed generation %s", name)
	return nil
}

// Start brings this build's generation to active: resume, install when the
// active generation belongs to another version, then activate right away
// without waiting for old clients.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if err := l.resume(); err != nil {
		return err
	}
	if l.State() == StateActive {
		return nil
	}
	if err := l.install(ctx); err != nil {
		return err
	}
	return l.activate(ctx)
}

// Reinstall installs and activates this build's generation even when it is
// already active.
func (l *Lifecycle) Reinstall(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	prev := l.State()
	if err := l.install(ctx); err != nil {
		if prev == StateActive {
			// the generation already serving is untouched
			l.setState(StateActive)
		}
		return err
	}
	return l.activate(ctx)
}

// Install fetches the whole manifest and writes it into the new generation
// in one batch. A single failed fetch fails the install and writes nothing.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.install(ctx)
}

func (l *Lifecycle) install(ctx context.Context) error {
	l.setState(StateInstalling)
	log.Printf("lifecycle: installing %s (%d precache paths)", l.name, len(l.manifest))

	reqs := make([]*Request, len(l.manifest))
	for i, p := range l.manifest {
		u, err := url.Parse(p)
		if err != nil {
			l.setState(StateRedundant)
			return platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "precache path %q", p)
		}
		reqs[i] = &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	}

	fetched := make([]CacheEntry, len(l.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.precacheLimit)
	for i, p := range l.manifest {
		g.Go(func() error {
			ent, err := l.fetch.Fetch(gctx, reqs[i])
			if err != nil {
				return platformerrors.Wrapf(err, platformerrors.CodeUnavailable, "precache %s", p)
			}
			if !okStatus(ent.Status) {
				return platformerrors.Newf(platformerrors.CodeUnavailable, "precache %s: status %d", p, ent.Status)
			}
			fetched[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.setState(StateRedundant)
		log.Printf("lifecycle: install %s failed: %v", l.name, err)
		return err
	}

	now := time.Now()
	entries := make(map[string]CacheEntry, len(fetched))
	for i, ent := range fetched {
		entries[reqs[i].Key()] = ent.stamped(now)
	}
	if _, err := l.store.Populate(l.name, entries); err != nil {
		l.setState(StateRedundant)
		return err
	}
	l.setState(StateInstalled)
	log.Printf("lifecycle: installed %s with %d entries", l.name, len(entries))
	return nil
}

// Activate deletes every generation other than this build's, records it as
// active and only then claims request handling.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.activate(ctx)
}

func (l *Lifecycle) activate(ctx context.Context) error {
	if st := l.State(); st != StateInstalled {
		return platformerrors.Newf(platformerrors.CodeConflict, "activate %s: state is %s, want %s", l.name, st, StateInstalled)
	}
	l.setState(StateActivating)

	names, err := l.store.Names()
	if err != nil {
		l.setState(StateInstalled)
		return err
	}
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			l.setState(StateInstalled)
			return err
		}
		if n == l.name {
			continue
		}
		if _, err := l.store.Delete(n); err != nil {
			l.setState(StateInstalled)
			return fmt.Errorf("delete generation %s: %w", n, err)
		}
		log.Printf("lifecycle: deleted stale generation %s", n)
	}
	if err := l.store.SetActive(l.name); err != nil {
		l.setState(StateInstalled)
		return err
	}

	l.current.Store(&Generation{store: l.store, name: l.name})
	l.setState(StateActive)
	log.Printf("lifecycle: %s active", l.name)
	return nil
}
