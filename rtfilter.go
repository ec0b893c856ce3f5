// Package rtfilter implements a runtime filter subsystem for a
// distributed hash-join execution engine: a build-side operator
// inserts join keys into a filter as rows stream past, the filter is
// merged across shuffled producer fragments and broadcast to scan-side
// consumers, and each consumer folds it into its own predicate tree so
// rows that cannot possibly join are skipped before they ever reach
// the join operator.
//
// Engine is the assembled subsystem: a FilterRegistry
// (internal/registry), a MergeCoordinator per filter id
// (internal/merge), a Transport for distribution
// (internal/transport), and the FilterValue/FilterWrapper/FilterInstance
// layers underneath (internal/filterval, internal/wrapper,
// internal/instance).
package rtfilter

import (
	"fmt"
	"sync"
	"time"

	"github.com/runtimefilter/rtfilter/internal/coltype"
	"github.com/runtimefilter/rtfilter/internal/filterval"
	"github.com/runtimefilter/rtfilter/internal/instance"
	"github.com/runtimefilter/rtfilter/internal/merge"
	"github.com/runtimefilter/rtfilter/internal/predicate"
	"github.com/runtimefilter/rtfilter/internal/registry"
	"github.com/runtimefilter/rtfilter/internal/rtlog"
	"github.com/runtimefilter/rtfilter/internal/transport"
	"github.com/runtimefilter/rtfilter/internal/wire"
	"github.com/runtimefilter/rtfilter/internal/wrapper"
)

// ErrKind classifies failures by the taxonomy of kinds, not type
// names (spec §7).
type ErrKind string

const (
	ErrInvalidConfig     ErrKind = "invalid-config"
	ErrResourceExhausted ErrKind = "resource-exhausted"
	ErrTimeout           ErrKind = "timeout"
	ErrSerialization     ErrKind = "serialization-error"
	ErrTransport         ErrKind = "transport-error"
	ErrCancelled         ErrKind = "cancelled"
	ErrDataQuality       ErrKind = "data-quality"
)

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("rtfilter: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Target names one consumer fragment a producer's merged payload must
// reach: an endpoint (transport-specific address) plus the fragment
// instance id the receiving side should attribute it to.
type Target struct {
	Endpoint           string
	FragmentInstanceID uint64
}

// ValueConfig bundles the parameters needed to construct or
// deserialize a filterval.Value of a given Kind (spec §4.1); producer
// and consumer descriptors both carry one so a consumer can decode a
// wire payload without a side channel beyond what the query plan
// already established.
type ValueConfig struct {
	Kind       filterval.Kind
	ColType    coltype.Type
	MaxInCap   int // in-set / in-or-bloom capacity K
	BloomN     int // expected bloom cardinality (bloom and in-or-bloom)
	FPRate     float64
	Polarity   wrapper.Polarity
	NullPolicy filterval.NullPolicy
}

func (c ValueConfig) build() (filterval.Value, error) {
	switch c.Kind {
	case filterval.KindInSet:
		return filterval.NewInSet(c.ColType, c.MaxInCap, c.NullPolicy), nil
	case filterval.KindMinMax:
		return filterval.NewMinMax(c.ColType), nil
	case filterval.KindBloom:
		return filterval.NewBloom(c.ColType, c.BloomN, c.FPRate), nil
	case filterval.KindInOrBloom:
		return filterval.NewInOrBloom(c.ColType, c.MaxInCap, c.BloomN, c.FPRate), nil
	case filterval.KindBitmap:
		return filterval.NewBitmap(c.ColType, c.Polarity == wrapper.PolarityIn)
	default:
		return nil, newErr(ErrInvalidConfig, "unknown filter kind %v", c.Kind)
	}
}

func (c ValueConfig) deserialize(payload []byte) (filterval.Value, error) {
	switch c.Kind {
	case filterval.KindInSet:
		return filterval.DeserializeInSet(c.ColType, c.MaxInCap, c.NullPolicy, payload)
	case filterval.KindMinMax:
		return filterval.DeserializeMinMax(c.ColType, payload)
	case filterval.KindBloom:
		return filterval.DeserializeBloom(c.ColType, payload)
	case filterval.KindInOrBloom:
		return filterval.DeserializeInOrBloom(c.ColType, c.MaxInCap, c.BloomN, c.FPRate, payload)
	case filterval.KindBitmap:
		return filterval.DeserializeBitmap(c.ColType, payload)
	default:
		return nil, newErr(ErrInvalidConfig, "unknown filter kind %v", c.Kind)
	}
}

// ConsumerDesc registers one scan fragment's subscription to a filter.
type ConsumerDesc struct {
	FragmentInstanceID uint64
	FilterID           uint32
	Value              ValueConfig
	Column             string                // bound column name, matched against Conjunct leaves
	Conjunct           *predicate.Condition // the scan's conjunct tree, pre-normalization
	WaitFor            time.Duration
	AwaiterKind        instance.AwaiterKind
}

// ConsumerHandle identifies a registered consumer subscription.
type ConsumerHandle struct {
	fragmentInstanceID uint64
	filterID           uint32
}

// ProducerDesc registers one build fragment's contribution to a
// filter.
type ProducerDesc struct {
	FragmentInstanceID uint64
	FilterID           uint32
	Value              ValueConfig
	ExpectedProducers  int // N; 1 means no merge coordinator is needed
	Consumers          []Target
}

// ProducerHandle identifies a registered producer contribution.
type ProducerHandle struct {
	fragmentInstanceID uint64
	filterID           uint32
}

type filterKey struct {
	fragmentInstanceID uint64
	filterID           uint32
}

type consumerState struct {
	cfg      ValueConfig
	column   string
	waitFor  time.Duration
	conjunct *predicate.Condition
}

type producerState struct {
	rows int64
}

// Engine assembles FilterRegistry, MergeCoordinator, and Transport
// into the subsystem spec §6 exposes as the scan-side and build-side
// APIs. One Engine serves one query.
type Engine struct {
	reg       *registry.Registry
	transport transport.Transport
	endpoint  string // this process's inbox endpoint, for local dispatch

	mu             sync.Mutex
	coordinators   map[uint32]*merge.Coordinator
	coordTargets   map[uint32][]Target
	consumerStates map[filterKey]consumerState
	producerStates map[filterKey]*producerState
}

// New creates an Engine backed by t. endpoint is the transport address
// this process's consumers are reachable at; for a
// transport.LocalTransport it is the key under which the Engine
// registers its own dispatch handler.
func New(t transport.Transport, endpoint string) *Engine {
	e := &Engine{
		reg:            registry.New(),
		transport:      t,
		endpoint:       endpoint,
		coordinators:   make(map[uint32]*merge.Coordinator),
		coordTargets:   make(map[uint32][]Target),
		consumerStates: make(map[filterKey]consumerState),
		producerStates: make(map[filterKey]*producerState),
	}
	if lt, ok := t.(*transport.LocalTransport); ok {
		lt.Register(endpoint, e.handleIncoming)
	}
	return e
}

func (e *Engine) handleIncoming(fragmentInstanceID uint64, filterID uint32, payload []byte) error {
	inst, ok := e.reg.Lookup(fragmentInstanceID, filterID)
	if !ok {
		return newErr(ErrTransport, "no consumer instance registered for fragment=%d filter=%d", fragmentInstanceID, filterID)
	}

	k := filterKey{fragmentInstanceID, filterID}
	e.mu.Lock()
	cs, ok := e.consumerStates[k]
	e.mu.Unlock()
	if !ok {
		return newErr(ErrInvalidConfig, "no value config for fragment=%d filter=%d", fragmentInstanceID, filterID)
	}

	env, err := wire.Decode(payload)
	if err != nil {
		inst.SetIgnored("serialization-error")
		return newErr(ErrSerialization, "%s", err)
	}
	v, err := cs.cfg.deserialize(env.Payload)
	if err != nil {
		inst.SetIgnored("serialization-error")
		return newErr(ErrSerialization, "%s", err)
	}

	inst.Update(v)
	if env.Flags&wire.FlagAlwaysTrue != 0 {
		inst.Wrapper().SetAlwaysTrue(env.Flags&wire.FlagFalseProducing != 0)
	}
	if env.Flags&wire.FlagIgnored != 0 {
		inst.SetIgnored("producer-ignored")
	}
	inst.Publish()
	return nil
}

// maxSendRetries bounds the retries spec §4.3 allows a publish to take
// before the producer gives up on one target and marks it ignored
// (spec §7 "transport-error (retry N times then ignored)").
const maxSendRetries = 3

func (e *Engine) sendWithRetry(target Target, filterID uint32, payload []byte) error {
	var err error
	for i := 0; i <= maxSendRetries; i++ {
		if err = e.transport.Send(target.Endpoint, target.FragmentInstanceID, filterID, payload); err == nil {
			return nil
		}
	}
	return err
}

// broadcastToTargets ships payload to every target with bounded
// retries (spec §4.5 "broadcast uses best-effort with bounded retries
// per endpoint"). A target whose send never succeeds is marked
// ignored locally if its consumer happens to share this registry
// (spec §4.3 "signals local consumers so they time out quickly");
// remote consumers simply never hear from this filter and time out on
// their own deadline.
func (e *Engine) broadcastToTargets(filterID uint32, payload []byte, targets []Target) {
	for _, t := range targets {
		if err := e.sendWithRetry(t, filterID, payload); err != nil {
			rtlog.Warnf("rtfilter: publish filter %d to %s failed after %d retries: %v", filterID, t.Endpoint, maxSendRetries, err)
			if inst, ok := e.reg.Lookup(t.FragmentInstanceID, filterID); ok {
				inst.SetIgnored("transport-error")
				inst.Publish()
			}
		}
	}
}

// RegisterProducer creates a not-ready FilterInstance for desc's build
// fragment (spec §6 `register_producer`). For a shuffle filter
// (ExpectedProducers > 1) the first registration for a given filter id
// also creates the shared MergeCoordinator; later registrations for the
// same filter id join it.
func (e *Engine) RegisterProducer(desc ProducerDesc) (ProducerHandle, error) {
	val, err := desc.Value.build()
	if err != nil {
		return ProducerHandle{}, err
	}
	bloomBits, _ := filterval.OptimalMK(desc.Value.BloomN, desc.Value.FPRate)
	wrap := wrapper.New(desc.Value.Kind, desc.Value.ColType, desc.Value.MaxInCap, bloomBits, desc.Value.Polarity, desc.Value.NullPolicy, val)
	inst := instance.New(desc.FragmentInstanceID, desc.FilterID, wrap, instance.AwaiterCond, nil)
	e.reg.Register(desc.FragmentInstanceID, desc.FilterID, registry.RoleProducer, inst)

	k := filterKey{desc.FragmentInstanceID, desc.FilterID}
	e.mu.Lock()
	e.producerStates[k] = &producerState{}
	e.coordTargets[desc.FilterID] = desc.Consumers
	if desc.ExpectedProducers > 1 {
		if _, ok := e.coordinators[desc.FilterID]; !ok {
			e.coordinators[desc.FilterID] = merge.New(desc.FilterID, desc.ExpectedProducers, func(merged filterval.Value, allEmpty bool) error {
				return e.publishMerged(desc.FilterID, merged, allEmpty, desc.Consumers)
			})
		}
	}
	e.mu.Unlock()

	return ProducerHandle{fragmentInstanceID: desc.FragmentInstanceID, filterID: desc.FilterID}, nil
}

// Insert implements the build-side operation of the same name (spec
// §6 `insert`): valid only while the producer instance has not yet
// published (spec §4.3 "valid only in not-ready").
func (e *Engine) Insert(h ProducerHandle, v any) error {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return newErr(ErrInvalidConfig, "unknown producer handle")
	}
	if err := inst.Insert(v); err != nil {
		return err
	}
	e.mu.Lock()
	if ps, ok := e.producerStates[filterKey{h.fragmentInstanceID, h.filterID}]; ok {
		ps.rows++
	}
	e.mu.Unlock()
	return nil
}

// InsertBatch implements the build-side operation of the same name
// (spec §6 `insert_batch`); must equal repeated Insert calls for each
// row index (spec §4.1).
func (e *Engine) InsertBatch(h ProducerHandle, col filterval.Column, rowIndices []int) error {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return newErr(ErrInvalidConfig, "unknown producer handle")
	}
	if err := inst.InsertBatch(col, rowIndices); err != nil {
		return err
	}
	e.mu.Lock()
	if ps, ok := e.producerStates[filterKey{h.fragmentInstanceID, h.filterID}]; ok {
		ps.rows += int64(len(rowIndices))
	}
	e.mu.Unlock()
	return nil
}

// FinalizeAndPublish implements the build-side operation of the same
// name (spec §6 `finalize_and_publish`): it marks the instance final
// on this producer (spec §4.3 `ready_for_publish`/`publish`), applies
// the empty-producer-relation edge case (spec §4.1), and either
// broadcasts directly to every consumer target (a `broadcast`-class
// filter with one producer) or hands the payload to this filter id's
// MergeCoordinator to fold with the other producers' contributions (a
// `shuffle`-class filter).
func (e *Engine) FinalizeAndPublish(h ProducerHandle) error {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return newErr(ErrInvalidConfig, "unknown producer handle")
	}
	k := filterKey{h.fragmentInstanceID, h.filterID}
	e.mu.Lock()
	ps := e.producerStates[k]
	coord := e.coordinators[h.filterID]
	targets := e.coordTargets[h.filterID]
	e.mu.Unlock()

	wrap := inst.Wrapper()
	empty := ps != nil && ps.rows == 0
	if empty && coord == nil {
		// Broadcast class: this producer is the only one, so an empty
		// build side here is an empty build side overall (spec §4.1
		// "empty producer relation -> always-true false-producing").
		wrap.SetAlwaysTrue(true)
	}
	inst.Publish()

	if coord != nil {
		if err := coord.Accept(h.fragmentInstanceID, wrap.Value(), empty); err != nil {
			return newErr(ErrSerialization, "%s", err)
		}
		return nil
	}

	return e.publishValue(h.filterID, wrap, targets)
}

// PublishFinally implements the build-side best-effort empty-publish
// (spec §4.3 `publish_finally`) used when the build side finished with
// zero rows and the caller wants to hand that result straight to
// distribution without going through the normal Insert/FinalizeAndPublish
// accounting (e.g. a fragment that never received any build-side rows
// at all).
func (e *Engine) PublishFinally(h ProducerHandle) error {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return newErr(ErrInvalidConfig, "unknown producer handle")
	}
	k := filterKey{h.fragmentInstanceID, h.filterID}
	e.mu.Lock()
	coord := e.coordinators[h.filterID]
	targets := e.coordTargets[h.filterID]
	e.mu.Unlock()

	wrap := inst.Wrapper()
	if coord == nil {
		wrap.SetAlwaysTrue(true)
	}
	inst.PublishFinally(nil)

	if coord != nil {
		if err := coord.Accept(h.fragmentInstanceID, wrap.Value(), true); err != nil {
			return newErr(ErrSerialization, "%s", err)
		}
		return nil
	}
	return e.publishValue(h.filterID, wrap, targets)
}

// publishValue encodes wrap's current value plus its policy flags and
// broadcasts to targets. The envelope flags carry always-true,
// false-producing and ignored; the null-contained flag travels inside
// the kind's own payload.
func (e *Engine) publishValue(filterID uint32, wrap *wrapper.Wrapper, targets []Target) error {
	payload, err := wire.Encode(filterID, wrap.Value(), wrapFlags(wrap))
	if err != nil {
		return newErr(ErrSerialization, "%s", err)
	}
	e.broadcastToTargets(filterID, payload, targets)
	return nil
}

// publishMerged is the MergeCoordinator's onComplete callback (spec
// §4.5 "on merged: serialize once and broadcast to the pre-registered
// consumer endpoints").
func (e *Engine) publishMerged(filterID uint32, merged filterval.Value, allEmpty bool, targets []Target) error {
	var flags uint16
	if allEmpty {
		flags |= wire.FlagAlwaysTrue | wire.FlagFalseProducing
	}
	payload, err := wire.Encode(filterID, merged, flags)
	if err != nil {
		return newErr(ErrSerialization, "%s", err)
	}
	e.broadcastToTargets(filterID, payload, targets)
	return nil
}

func wrapFlags(wrap *wrapper.Wrapper) uint16 {
	var flags uint16
	if wrap.IsAlwaysTrue() {
		flags |= wire.FlagAlwaysTrue
		if wrap.FalseProducing() {
			flags |= wire.FlagFalseProducing
		}
	}
	if wrap.IsIgnored() {
		flags |= wire.FlagIgnored
	}
	return flags
}

// RegisterConsumer creates a not-ready FilterInstance for desc and
// subscribes it to receive the filter's broadcast.
func (e *Engine) RegisterConsumer(desc ConsumerDesc) (ConsumerHandle, error) {
	if desc.Value.Kind == filterval.KindBitmap && !desc.Value.ColType.IsInteger() {
		return ConsumerHandle{}, newErr(ErrInvalidConfig, "bitmap filter requires an integer column, got %s", desc.Value.ColType)
	}

	bloomBits, _ := filterval.OptimalMK(desc.Value.BloomN, desc.Value.FPRate)
	wrap := wrapper.New(desc.Value.Kind, desc.Value.ColType, desc.Value.MaxInCap, bloomBits, desc.Value.Polarity, desc.Value.NullPolicy, nil)
	inst := instance.New(desc.FragmentInstanceID, desc.FilterID, wrap, desc.AwaiterKind, nil)
	e.reg.Register(desc.FragmentInstanceID, desc.FilterID, registry.RoleConsumer, inst)

	k := filterKey{desc.FragmentInstanceID, desc.FilterID}
	e.mu.Lock()
	e.consumerStates[k] = consumerState{cfg: desc.Value, column: desc.Column, waitFor: desc.WaitFor, conjunct: desc.Conjunct}
	e.mu.Unlock()

	return ConsumerHandle{fragmentInstanceID: desc.FragmentInstanceID, filterID: desc.FilterID}, nil
}

// PushDownResult is AcquireAndPushDown's result (spec §6
// `{ applied_exprs, timed_out, blocked }`).
type PushDownResult struct {
	Residual       *predicate.Condition
	Sinks          *predicate.Sinks
	AppliedCount   int
	CoveredColumns []string // columns fully absorbed into sinks; no post-filter check needed
	TimedOut       bool
	Blocked        bool
	ConstantFalse  bool // true iff the producer relation was empty: scan short-circuits to EOF
}

// AcquireAndPushDown implements the scan-side operation of the same
// name (spec §6). If wait is true and the instance is not yet ready,
// it blocks up to the consumer's configured WaitFor before giving up.
func (e *Engine) AcquireAndPushDown(h ConsumerHandle, wait bool) (PushDownResult, error) {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return PushDownResult{}, newErr(ErrInvalidConfig, "unknown consumer handle")
	}
	desc := e.consumerState(h)

	if !inst.IsReadyOrTimeout() {
		if !wait {
			return PushDownResult{Blocked: true}, nil
		}
		deadline := time.Now().Add(desc.waitFor)
		inst.Await(deadline)
	}

	if !inst.IsReady() || inst.IsIgnored() {
		return PushDownResult{TimedOut: inst.CurrentState() == instance.TimedOut}, nil
	}

	wrap := inst.Wrapper()
	if wrap.IsAlwaysTrue() && wrap.FalseProducing() {
		return PushDownResult{ConstantFalse: true}, nil
	}

	result := predicate.Normalize(desc.conjunct)
	wireProbe(result, desc.column, wrap)

	return PushDownResult{
		Residual:       result.Residual,
		Sinks:          result.Sinks,
		AppliedCount:   countAbsorbed(desc.conjunct, result.Residual),
		CoveredColumns: predicate.CoveredColumns(desc.conjunct, result.Residual),
	}, nil
}

// wireProbe wires the freshly arrived payload into result for the
// consumer's bound column, by the payload's own kind: bloom/in-or-bloom
// and bitmap attach a live probe closure to their still-residual leaf
// (spec §4.6 "keep probe in residual tree if bloom/bitmap cannot be
// pushed into storage"); min-max and in-set instead feed the sink
// algebra directly, the same as a static literal comparison would,
// since their membership test is exact and needs no per-row residual
// check once folded.
func wireProbe(result predicate.Result, column string, wrap *wrapper.Wrapper) {
	val := wrap.Value()
	if val == nil {
		return
	}

	switch wrap.Kind() {
	case filterval.KindBloom, filterval.KindInOrBloom:
		if result.Residual == nil {
			return
		}
		predicate.RegisterBloomProbe(result.Residual, column, probeClosure(val))
	case filterval.KindBitmap:
		if result.Residual == nil {
			return
		}
		predicate.RegisterBitmapProbe(result.Residual, column, probeClosure(val))
	case filterval.KindMinMax:
		mm, ok := val.(*filterval.MinMax)
		if !ok {
			return
		}
		lo, hi, hasLo, hasHi := mm.Bounds()
		result.Sinks.IntersectRange(column, wrap.ColumnType(), lo, hi, hasLo, hasHi)
	case filterval.KindInSet:
		s, ok := val.(*filterval.InSet)
		if !ok {
			return
		}
		result.Sinks.MergeInSet(column, wrap.ColumnType(), s.Values())
	}
}

func probeClosure(val filterval.Value) func(b []byte) bool {
	return func(b []byte) bool {
		p, err := val.ProbeCanon(b)
		return err == nil && p == filterval.Maybe
	}
}

func countAbsorbed(original, residual *predicate.Condition) int {
	total := countLeaves(original)
	remaining := countLeaves(residual)
	if total < remaining {
		return 0
	}
	return total - remaining
}

func countLeaves(c *predicate.Condition) int {
	if c == nil {
		return 0
	}
	if len(c.Children) == 0 {
		return 1
	}
	n := 0
	for _, ch := range c.Children {
		n += countLeaves(ch)
	}
	return n
}

// TryAppendLateArrivals implements the scan-side operation of the same
// name (spec §6, §4.6 "late arrivals"): if the instance is ready and
// not ignored, fold its predicate into a fresh residual tree built on
// top of prior. It does not track whether an earlier call already
// folded the same filter; every call on a ready instance folds again
// and reports the absorbed-leaf count again.
func (e *Engine) TryAppendLateArrivals(h ConsumerHandle, prior *predicate.Condition) (*predicate.Condition, int, error) {
	inst, ok := e.reg.Lookup(h.fragmentInstanceID, h.filterID)
	if !ok {
		return prior, 0, newErr(ErrInvalidConfig, "unknown consumer handle")
	}
	if !inst.IsReady() || inst.IsIgnored() {
		return prior, 0, nil
	}

	desc := e.consumerState(h)
	result := predicate.Normalize(desc.conjunct)
	wireProbe(result, desc.column, inst.Wrapper())

	fresh := predicate.Refold(prior, result.Residual)
	return fresh, countAbsorbed(desc.conjunct, result.Residual), nil
}

// Close releases a consumer's registry entry.
func (e *Engine) Close(h ConsumerHandle) {
	e.reg.Unregister(h.fragmentInstanceID, h.filterID)
	e.mu.Lock()
	delete(e.consumerStates, filterKey{h.fragmentInstanceID, h.filterID})
	e.mu.Unlock()
}

func (e *Engine) consumerState(h ConsumerHandle) consumerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumerStates[filterKey{h.fragmentInstanceID, h.filterID}]
}
