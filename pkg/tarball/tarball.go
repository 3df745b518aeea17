package tarball

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kite-ci/kite/pkg/events"
	"github.com/kite-ci/kite/pkg/log"
	"github.com/kite-ci/kite/pkg/store"
	"github.com/kite-ci/kite/pkg/types"
)

// Uploader pushes a local file to the blob store and returns its
// public URL.
type Uploader interface {
	UploadFile(ctx context.Context, srcPath, name string) (string, error)
}

// Config tunes the tarball service.
type Config struct {
	// Topic is the node event topic.
	Topic string

	// Holdoff is the grace period stamped on checkouts when they turn
	// available, leaving the scheduler room to attach early builds
	// before the node starts closing.
	Holdoff time.Duration
}

// Service watches for new checkout nodes, exports their source
// tarball and publishes the artifact. A checkout only becomes
// available to the scheduler once its tarball URL is recorded.
type Service struct {
	store    store.Store
	bus      events.Bus
	archiver Archiver
	uploader Uploader
	cfg      Config
	log      zerolog.Logger

	// Exports of the same tree share a git mirror and must not
	// interleave.
	mu    sync.Mutex
	trees map[string]*sync.Mutex
}

// New creates a tarball service.
func New(s store.Store, bus events.Bus, archiver Archiver, uploader Uploader, cfg Config) *Service {
	if cfg.Topic == "" {
		cfg.Topic = "node"
	}
	if cfg.Holdoff <= 0 {
		cfg.Holdoff = 30 * time.Second
	}
	return &Service{
		store:    s,
		bus:      bus,
		archiver: archiver,
		uploader: uploader,
		cfg:      cfg,
		log:      log.WithService("tarball"),
		trees:    make(map[string]*sync.Mutex),
	}
}

// Run consumes checkout events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.cfg.Topic, err)
	}
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		ev, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		if ev.Op != "created" || ev.Kind != types.KindCheckout || ev.State != types.StateRunning {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Process(ctx, id); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("node_id", id).Msg("tarball failed")
			}
		}(ev.ID)
	}
}

func (s *Service) treeLock(tree string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.trees[tree]
	if !ok {
		l = &sync.Mutex{}
		s.trees[tree] = l
	}
	return l
}

// Process exports and uploads the tarball for one checkout node, then
// advances it to available. A git failure is final and closes the
// node as failed; an upload failure leaves the node running so the
// timeout service expires it if no retry succeeds.
func (s *Service) Process(ctx context.Context, nodeID string) error {
	node, err := s.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Kind != types.KindCheckout || node.State != types.StateRunning {
		return nil
	}
	rev := node.Data.KernelRevision
	if rev == nil {
		return fmt.Errorf("checkout %s has no revision", node.ID)
	}

	lock := s.treeLock(rev.Tree)
	lock.Lock()
	archive, err := s.archiver.Archive(ctx, rev)
	lock.Unlock()
	if err != nil {
		return s.fail(ctx, node, err)
	}
	defer os.Remove(archive.Path)

	url, err := s.uploader.UploadFile(ctx, archive.Path, path.Base(archive.Path))
	if err != nil {
		return fmt.Errorf("uploading tarball for %s: %w", node.ID, err)
	}

	node.Data.KernelRevision.Describe = archive.Describe
	if node.Artifacts == nil {
		node.Artifacts = make(map[string]string)
	}
	node.Artifacts["tarball"] = url
	node.State = types.StateAvailable
	holdoff := time.Now().Add(s.cfg.Holdoff)
	node.Holdoff = &holdoff

	if _, err := s.store.Update(ctx, node, types.StateRunning); err != nil {
		return fmt.Errorf("publishing checkout %s: %w", node.ID, err)
	}
	s.log.Info().
		Str("node_id", node.ID).
		Str("describe", archive.Describe).
		Str("tarball", url).
		Msg("checkout available")
	return nil
}

func (s *Service) fail(ctx context.Context, node *types.Node, cause error) error {
	node.State = types.StateDone
	node.Result = types.ResultFail
	node.Data.ErrorCode = "git_checkout_failure"
	node.Data.ErrorMsg = cause.Error()
	if _, err := s.store.Update(ctx, node, types.StateRunning); err != nil {
		return fmt.Errorf("recording git failure on %s: %w", node.ID, err)
	}
	s.log.Warn().Err(cause).Str("node_id", node.ID).Msg("checkout failed")
	return nil
}
