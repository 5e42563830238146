// Package policy evaluates agent-initiated operations against OPA rego
// policies before the authorization guard's path and grant layers. It
// is an optional hardening layer; with no policy bundle configured the
// guard behaves exactly as specified without it.
package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the rego document every bundle must define.
const decisionQuery = "data.conductor.authz.decision"

// Input is the evaluation context for one operation.
type Input struct {
	ConversationID string    `json:"conversation_id"`
	OperationKey   string    `json:"operation_key"`
	TargetPath     string    `json:"target_path,omitempty"`
	WorkingDir     string    `json:"working_dir"`
	UserInitiated  bool      `json:"user_initiated"`
	Environment    string    `json:"environment"`
	Timestamp      time.Time `json:"timestamp"`
}

// Decision is the policy verdict for one operation.
type Decision struct {
	Allow           bool   `json:"allow"`
	RequireApproval bool   `json:"require_approval,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Engine is the evaluation interface consumed by the guard.
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// OPAEngine implements Engine using compiled rego.
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool

	cache *decisionCache
}

// NewOPAEngine creates and, when enabled, compiles the policy bundle.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies compiles all .rego files under the configured directory.
// Safe to call again at runtime; the config hot-reload manager invokes
// it when the policy directory changes.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.enabled = e.config.Enabled && e.config.Mode != ModeOff
	e.mu.Unlock()

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

// Evaluate returns the policy decision for one operation.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}

	e.mu.RLock()
	compiled := e.compiled
	enabled := e.enabled
	e.mu.RUnlock()

	if !enabled || compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		return d, nil
	}

	inputMap, err := toMap(input)
	if err != nil {
		e.logger.Error("Failed to convert policy input", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	decision = e.applyMode(decision)

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.Bool("require_approval", decision.RequireApproval),
		zap.String("reason", decision.Reason),
		zap.String("operation_key", input.OperationKey),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled reports whether the engine will actually evaluate.
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode.
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func (e *OPAEngine) applyMode(decision *Decision) *Decision {
	if e.config.Mode != ModeDryRun {
		return decision
	}
	// Dry-run always allows but keeps the would-have-been outcome in
	// the reason for analysis.
	original := *decision
	decision.Allow = true
	decision.RequireApproval = false
	if !original.Allow {
		decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
	} else if original.RequireApproval {
		decision.Reason = fmt.Sprintf("DRY-RUN: would have required approval - %s", original.Reason)
	}
	return decision
}

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if requireApproval, ok := valueMap["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input.TargetPath))
	return fmt.Sprintf("%s|%s|%t|%x", input.ConversationID, input.OperationKey, input.UserInitiated, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}
