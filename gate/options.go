package gate

import (
	"time"

	"github.com/dshills/replaygate/gate/backend"
	"github.com/dshills/replaygate/gate/emit"
	"github.com/dshills/replaygate/gate/metrics"
	"github.com/dshills/replaygate/gate/model"
)

// Strategy selects how cache-missed calls are executed.
type Strategy string

const (
	// StrategySync executes calls on the caller goroutine. The default.
	StrategySync Strategy = "sync"

	// StrategyAsync executes calls on background goroutines with
	// out-of-order completion.
	StrategyAsync Strategy = "async"

	// StrategyBatch defers calls into provider batch jobs.
	StrategyBatch Strategy = "batch"
)

type config struct {
	adapter        model.Adapter
	strategy       Strategy
	ignoreCache    bool
	rewriteCache   bool
	throttleLimit  int
	throttleWindow time.Duration
	asyncMax       int
	confirm        backend.ConfirmFunc
	emitter        emit.Emitter
	metrics        *metrics.Metrics
	mysqlDSN       string
}

func defaultConfig() config {
	return config{
		strategy: StrategySync,
		emitter:  emit.NewNullEmitter(),
	}
}

// Option configures a Gateway at Open time.
type Option func(*config)

// WithAdapter sets the provider adapter. Without one the gateway serves
// cached responses only; a cache miss fails with ErrNoAdapter.
func WithAdapter(a model.Adapter) Option {
	return func(c *config) { c.adapter = a }
}

// WithStrategy selects the execution strategy. Default StrategySync.
func WithStrategy(s Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithIgnoreCache bypasses hot-cache reads: every ask reaches the provider.
// Stores still happen, so a run with this flag refills the cache.
func WithIgnoreCache() Option {
	return func(c *config) { c.ignoreCache = true }
}

// WithRewriteCache switches stores to upsert: the oldest matching row is
// replaced instead of appending a duplicate.
func WithRewriteCache() Option {
	return func(c *config) { c.rewriteCache = true }
}

// WithThrottle rate-limits sync submissions to limit requests per window.
func WithThrottle(limit int, window time.Duration) Option {
	return func(c *config) {
		c.throttleLimit = limit
		c.throttleWindow = window
	}
}

// WithAsyncMaxConcurrent caps concurrent async provider calls.
func WithAsyncMaxConcurrent(n int) Option {
	return func(c *config) { c.asyncMax = n }
}

// WithUserConfirmation installs a confirmation collaborator consulted
// before each batch cohort is submitted. Returning false keeps the cohort
// buffered.
func WithUserConfirmation(fn backend.ConfirmFunc) Option {
	return func(c *config) { c.confirm = fn }
}

// WithEmitter routes observability events to the given emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(c *config) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithMySQL uses a shared MySQL datastore at dsn instead of the per-
// directory SQLite file. The working directory still holds the lock,
// metadata and cold tier.
func WithMySQL(dsn string) Option {
	return func(c *config) { c.mysqlDSN = dsn }
}

// askConfig carries per-call options for Agent.AskLLM.
type askConfig struct {
	instructions *string
	llm          *model.Identity
	salt         []string
	hashBy       []string
	textFormat   string
	tools        []model.ToolSpec
	tag          string
	saveInput    bool
}

// AskOption configures one AskLLM call.
type AskOption func(*askConfig)

// WithInstructions sets the system instructions for this call. They join
// the content hash.
func WithInstructions(s string) AskOption {
	return func(c *askConfig) { c.instructions = &s }
}

// WithLLM selects the model by label, e.g. "gpt-4o" or
// "anthropic/claude-sonnet-4". The provider family is inferred from the
// label and must match the configured adapter.
func WithLLM(label string) AskOption {
	return func(c *askConfig) {
		id := model.ParseIdentity(label)
		c.llm = &id
	}
}

// WithLLMIdentity selects the model by explicit identity.
func WithLLMIdentity(id model.Identity) AskOption {
	return func(c *askConfig) { c.llm = &id }
}

// WithSalt appends extra terms to the content hash, forcing distinct cache
// entries for otherwise identical inputs.
func WithSalt(terms ...string) AskOption {
	return func(c *askConfig) { c.salt = append(c.salt, terms...) }
}

// WithHashBy adds named fields to the hash. Recognized: "llm", which salts
// the hash with the model identity so switching models misses the cache.
func WithHashBy(fields ...string) AskOption {
	return func(c *askConfig) { c.hashBy = append(c.hashBy, fields...) }
}

// WithTextFormat requests a provider-side response format, e.g.
// "json_object".
func WithTextFormat(format string) AskOption {
	return func(c *askConfig) { c.textFormat = format }
}

// WithTools declares the function tools available to the model.
func WithTools(tools ...model.ToolSpec) AskOption {
	return func(c *askConfig) { c.tools = append(c.tools, tools...) }
}

// WithTag attaches a free-form audit label to the call identity.
func WithTag(tag string) AskOption {
	return func(c *askConfig) { c.tag = tag }
}

// WithSaveInput archives the rendered input documents to the user data
// store under the call's identity, for offline inspection.
func WithSaveInput() AskOption {
	return func(c *askConfig) { c.saveInput = true }
}
