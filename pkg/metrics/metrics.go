// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"k8s.io/apimachinery/pkg/util/wait"

	logger "github.com/containers/blockpool/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// State is the configuration of a collector or a group of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled marks a collector as polled. Polled collectors serve metrics
	// cached during the last polling cycle.
	Polled
	// NamespacePrefix prefixes the metrics of a collector with the common
	// namespace of the Gatherer.
	NamespacePrefix
	// SubsystemPrefix prefixes the metrics of a collector with the name of
	// its group.
	SubsystemPrefix

	// DefaultName is the name of the default group.
	DefaultName = "default"
)

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool { return s&Enabled != 0 }

// IsPolled returns true if the collector is polled.
func (s State) IsPolled() bool { return s&Polled != 0 }

// NeedsNamespace returns true if the collector needs a namespace prefix.
func (s State) NeedsNamespace() bool { return s&NamespacePrefix != 0 }

// NeedsSubsystem returns true if the collector needs a group prefix.
func (s State) NeedsSubsystem() bool { return s&SubsystemPrefix != 0 }

// String returns a string representation of the state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a registered prometheus.Collector.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
	lastpoll  []prometheus.Metric
}

// CollectorOption is an option for a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace is an option to disable namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.state &^= NamespacePrefix
	}
}

// WithoutSubsystem is an option to disable group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.state &^= SubsystemPrefix
	}
}

// WithPolled is an option to mark a collector polled.
func WithPolled() CollectorOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// NewCollector wraps the given prometheus.Collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		state:     Enabled | NamespacePrefix | SubsystemPrefix,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the full name of the collector, group/name.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the state of the collector.
func (c *Collector) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Matches returns true if the collector matches the given glob pattern
// by group, name, or full name.
func (c *Collector) Matches(glob string) bool {
	for _, s := range []string{c.group, c.name, c.Name()} {
		if glob == s {
			return true
		}
		ok, err := path.Match(glob, s)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	state, cached := c.state, c.lastpoll
	c.Unlock()

	switch {
	case !state.IsEnabled():
	case !state.IsPolled():
		clog.Debug("collecting %s", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting %s (polled)", c.Name())
		for _, m := range cached {
			ch <- m
		}
	}
}

// Poll collects and caches metrics of an enabled polled collector.
func (c *Collector) Poll() {
	if s := c.State(); !s.IsEnabled() || !s.IsPolled() {
		return
	}

	clog.Debug("polling %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.lastpoll = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled []string, match map[string]bool) State {
	c.Lock()
	defer c.Unlock()

	c.state &^= Enabled
	for _, glob := range enabled {
		if c.Matches(glob) {
			match[glob] = true
			c.state |= Enabled
		}
	}
	for _, glob := range polled {
		if c.Matches(glob) {
			match[glob] = true
			c.state |= Enabled | Polled
		}
	}

	log.Info("collector %s now %s", c.Name(), c.state)

	return c.state
}

// Registry is a collection of collectors, organized into groups.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// RegisterOptions are options for registering collectors.
type RegisterOptions struct {
	group string
	copts []CollectorOption
}

// RegisterOption is an option for registering collectors.
type RegisterOption func(*RegisterOptions)

// WithGroup is an option to register a collector in a specific group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions is an option to register a collector with options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.Lock()
	defer r.Unlock()

	for _, c := range r.groups[options.group] {
		if c.name == name {
			return fmt.Errorf("metrics: collector %s/%s already registered", options.group, name)
		}
	}

	c := NewCollector(name, collector, options.copts...)
	c.group = options.group
	r.groups[c.group] = append(r.groups[c.group], c)

	log.Info("registered collector %s", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs. Any
// collector matching any glob in polled is also put in polled mode.
func (r *Registry) Configure(enabled []string, polled []string) (State, error) {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.Lock()
	defer r.Unlock()

	var (
		match = map[string]bool{}
		state State
	)
	for _, collectors := range r.groups {
		for _, c := range collectors {
			state |= c.configure(enabled, polled, match)
		}
	}

	var unmatched []string
	for _, glob := range append(slices.Clone(enabled), polled...) {
		if !match[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.collectors() {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
	wg.Wait()
}

// State returns the collective state of all collectors.
func (r *Registry) State() State {
	var state State
	for _, c := range r.collectors() {
		state |= c.State()
	}
	return state
}

func (r *Registry) collectors() []*Collector {
	r.Lock()
	defer r.Unlock()
	var all []*Collector
	for _, collectors := range r.groups {
		all = append(all, collectors...)
	}
	return all
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

// Gatherer is a prometheus.Gatherer for a Registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	lock         sync.Mutex
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

const (
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the common namespace prefix for collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval of the Gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables internally triggered polling.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics sets the enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a Gatherer for the registry with the given options.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		r:            r,
		Registry:     prometheus.NewPedanticRegistry(),
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	if _, err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	ns := prefixedRegisterer(g.namespace, g.Registry)
	for _, c := range r.collectors() {
		var reg prometheus.Registerer = g.Registry
		if c.state.NeedsNamespace() {
			reg = ns
		}
		if c.state.NeedsSubsystem() {
			reg = prefixedRegisterer(c.group, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll all enabled polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	if !g.r.State().IsPolled() {
		log.Info("no polling (no collectors in polled mode)")
		return
	}
	if g.pollInterval == 0 {
		log.Info("no polling (internally triggered polling disabled)")
		return
	}

	log.Info("polling collectors every %s", g.pollInterval)

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go func() {
		defer close(g.doneCh)
		wait.Until(g.Poll, g.pollInterval, g.stopCh)
	}()
}

// Stop stops polling collectors.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a Gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
