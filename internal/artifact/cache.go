// Package artifact caches per-stage processing checkpoints so a restart
// or supersede within the same live conversation can skip work that is
// provably still valid. The cache enforces the reuse policy each stage
// declares; it never interprets what a stage means.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/turnfabric/internal/bus"
	"github.com/basket/turnfabric/internal/persistence"
	"github.com/basket/turnfabric/internal/turn"
)

// Fingerprints carries the two hash namespaces a CONDITIONAL reuse must
// match. Inputs and meaning dependencies invalidate independently, so
// they are never folded into one hash.
type Fingerprints struct {
	Input      string
	Dependency string
}

// FingerprintInputs hashes the declared stage inputs in a stable order.
func FingerprintInputs(parts ...string) string {
	return hashParts("input", parts)
}

// FingerprintDependencies hashes external meaning dependencies such as
// rule-set, scenario-graph, and template versions.
func FingerprintDependencies(versions map[string]string) string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+versions[k])
	}
	return hashParts("dep", parts)
}

func hashParts(namespace string, parts []string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache wraps the durable artifact store with reuse-policy enforcement.
type Cache struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	ttl    time.Duration
}

type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	TTL    time.Duration
}

func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger.With("component", "artifact_cache"),
		ttl:    ttl,
	}
}

// Get returns the cached artifact for a stage when the declared policy
// permits reuse. A nil artifact with a nil error means recompute.
func (c *Cache) Get(ctx context.Context, lt *turn.LogicalTurn, stageID string, pol turn.ReusePolicy, fresh Fingerprints) (*turn.Artifact, error) {
	if pol == turn.ReuseNever {
		c.emit(lt, bus.TopicArtifactRecomputed, stageID, "policy_never")
		return nil, nil
	}
	a, err := c.store.GetArtifact(ctx, lt.ID, stageID)
	if err != nil {
		return nil, fmt.Errorf("artifact lookup for stage %s: %w", stageID, err)
	}
	if a == nil {
		c.emit(lt, bus.TopicArtifactRecomputed, stageID, "miss")
		return nil, nil
	}
	if pol == turn.ReuseConditional {
		if a.InputFingerprint != fresh.Input || a.DependencyFingerprint != fresh.Dependency {
			c.emit(lt, bus.TopicArtifactRecomputed, stageID, "fingerprint_mismatch")
			return nil, nil
		}
	}
	if err := c.store.IncrementArtifactReuse(ctx, lt.ID, stageID); err != nil {
		c.logger.Warn("artifact reuse count update failed", "turn_id", lt.ID, "stage_id", stageID, "error", err)
	}
	c.emit(lt, bus.TopicArtifactReused, stageID, string(pol))
	return a, nil
}

// Put stores a freshly computed stage artifact.
func (c *Cache) Put(ctx context.Context, lt *turn.LogicalTurn, a turn.Artifact) error {
	if a.StageID == "" {
		return fmt.Errorf("%w: artifact missing stage id", turn.ErrArtifactReuseInvalid)
	}
	if err := c.store.PutArtifact(ctx, lt.ID, a, c.ttl); err != nil {
		return fmt.Errorf("store artifact for stage %s: %w", a.StageID, err)
	}
	return nil
}

// CopyForSupersede moves reusable artifacts from a superseded turn to
// its successor. Stages declared NEVER are excluded; everything else is
// copied and re-checked against fingerprints on the next Get.
func (c *Cache) CopyForSupersede(ctx context.Context, fromTurnID, toTurnID string, neverStages []string) (int64, error) {
	n, err := c.store.CopyArtifacts(ctx, fromTurnID, toTurnID, neverStages, c.ttl)
	if err != nil {
		return 0, fmt.Errorf("copy artifacts %s -> %s: %w", fromTurnID, toTurnID, err)
	}
	if n > 0 {
		c.logger.Info("artifacts carried across supersede", "from_turn", fromTurnID, "to_turn", toTurnID, "copied", n)
	}
	return n, nil
}

func (c *Cache) emit(lt *turn.LogicalTurn, topic, stageID, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.FabricEvent{
		Type:          topic,
		LogicalTurnID: lt.ID,
		SessionKey:    lt.SessionKey.String(),
		Payload: map[string]any{
			"stage_id": stageID,
			"reason":   reason,
		},
	})
}
