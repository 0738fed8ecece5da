// Package policy is the channel policy registry: per-channel timing and
// capability facts consumed by turn accumulation and the gateway. The
// registry is read-only to the fabric; policy documents are authored
// externally and hot-reloaded from disk.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ChannelPolicy is the per-channel fact sheet.
type ChannelPolicy struct {
	// AggregationWindowMs is the base accumulation window for the channel.
	AggregationWindowMs int `yaml:"aggregation_window_ms" json:"aggregation_window_ms"`
	// MaxMessageLength caps outbound response length; 0 means unlimited.
	MaxMessageLength int `yaml:"max_message_length" json:"max_message_length"`
	// SupportsMarkdown reports whether the channel renders markdown.
	SupportsMarkdown bool `yaml:"supports_markdown" json:"supports_markdown"`
	// SupersedeDefault is the arbiter fallback when the reasoning engine
	// offers no decision: "SUPERSEDE", "ABSORB", or "QUEUE".
	SupersedeDefault string `yaml:"supersede_default" json:"supersede_default"`
}

// AggregationWindow returns the base window as a duration.
func (p ChannelPolicy) AggregationWindow() time.Duration {
	return time.Duration(p.AggregationWindowMs) * time.Millisecond
}

// DefaultPolicy is served for channels with no document entry. The
// window errs long: unknown channels get generous accumulation.
func DefaultPolicy() ChannelPolicy {
	return ChannelPolicy{
		AggregationWindowMs: 1500,
		SupportsMarkdown:    false,
		SupersedeDefault:    "QUEUE",
	}
}

// documentSchema validates the channel policy document before it
// replaces the live registry; a malformed reload must never take effect.
const documentSchema = `{
	"type": "object",
	"properties": {
		"channels": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"aggregation_window_ms": {"type": "integer", "minimum": 0},
					"max_message_length": {"type": "integer", "minimum": 0},
					"supports_markdown": {"type": "boolean"},
					"supersede_default": {"enum": ["SUPERSEDE", "ABSORB", "QUEUE", "FORCE_COMPLETE"]}
				},
				"additionalProperties": false
			}
		}
	},
	"required": ["channels"],
	"additionalProperties": false
}`

type document struct {
	Channels map[string]ChannelPolicy `yaml:"channels" json:"channels"`
}

// Registry serves channel policies, hot-reloadable from a YAML document.
type Registry struct {
	path   string
	logger *slog.Logger
	schema *jsonschema.Schema

	mu       sync.RWMutex
	channels map[string]ChannelPolicy
}

// NewRegistry compiles the document schema and loads the initial
// document. A missing file is not an error: the registry starts empty
// and serves defaults.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(documentSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal policy schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("channel_policy.json", doc); err != nil {
		return nil, fmt.Errorf("add policy schema resource: %w", err)
	}
	schema, err := c.Compile("channel_policy.json")
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	r := &Registry{
		path:     path,
		logger:   logger.With("component", "channel_policy"),
		schema:   schema,
		channels: make(map[string]ChannelPolicy),
	}
	if err := r.Reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		r.logger.Warn("channel policy document missing, serving defaults", "path", path)
	}
	return r, nil
}

// Get returns the policy for a channel, falling back to DefaultPolicy.
func (r *Registry) Get(channel string) ChannelPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.channels[channel]; ok {
		return p
	}
	return DefaultPolicy()
}

// Known reports whether the channel has an explicit document entry.
func (r *Registry) Known(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel]
	return ok
}

// Reload re-reads and validates the document, swapping the live registry
// only on success. Invalid documents leave the previous policies active.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse channel policy yaml: %w", err)
	}
	// Round-trip through JSON so schema validation sees json.Number
	// values, matching what the validator expects.
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("convert policy document: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("reparse policy document: %w", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return fmt.Errorf("channel policy document invalid: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode channel policy: %w", err)
	}
	for name, p := range doc.Channels {
		if p.AggregationWindowMs <= 0 {
			p.AggregationWindowMs = DefaultPolicy().AggregationWindowMs
		}
		if p.SupersedeDefault == "" {
			p.SupersedeDefault = DefaultPolicy().SupersedeDefault
		}
		doc.Channels[name] = p
	}

	r.mu.Lock()
	r.channels = doc.Channels
	r.mu.Unlock()
	r.logger.Info("channel policy document loaded", "channels", len(doc.Channels))
	return nil
}
