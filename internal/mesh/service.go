// Package mesh is the agent-registry subsystem: discovery scans,
// registration, denial list, health, and topology views.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/config"
	"github.com/dork/dork/internal/common/logger"
	"github.com/dork/dork/internal/db"
	"github.com/dork/dork/internal/events/bus"
	"github.com/dork/dork/internal/mesh/registry"
)

// Sentinels shared with the registry store plus service-level kinds.
var (
	ErrNotFound   = registry.ErrNotFound
	ErrConflict   = registry.ErrConflict
	ErrValidation = errors.New("validation failed")
)

// defaultNamespace scopes agents registered without one.
const defaultNamespace = "default"

// Namespaces become relay subject tokens, so they share the token
// grammar.
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Service coordinates the registry, discovery, and the live feed.
type Service struct {
	cfg   config.MeshConfig
	store *registry.Store
	feed  bus.EventBus
	log   *logger.Logger
}

// NewService builds the mesh service and its store schema.
func NewService(cfg config.MeshConfig, database *db.Database, eventBus bus.EventBus, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}
	store, err := registry.NewStore(database)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:   cfg,
		store: store,
		feed:  eventBus,
		log:   log.WithFields(zap.String("component", "mesh")),
	}, nil
}

// Overrides carry caller-supplied manifest fields for RegisterByPath.
// Name and Runtime are mandatory once merged with whatever the project's
// marker files declare.
type Overrides struct {
	Name         string           `json:"name"`
	Runtime      string           `json:"runtime"`
	Description  string           `json:"description"`
	Capabilities []string         `json:"capabilities"`
	Namespace    string           `json:"namespace"`
	Behavior     string           `json:"behavior"`
	Budget       *registry.Budget `json:"budget"`
	ScanRoot     string           `json:"scanRoot"`
}

// AgentView is a manifest plus its derived health.
type AgentView struct {
	registry.Agent
	HealthStatus string `json:"healthStatus"`
}

// RegisterByPath reads the project's marker files, merges the overrides
// on top, and registers the result. A path that already carries a
// registration is a conflict; update it instead.
func (s *Service) RegisterByPath(ctx context.Context, path string, o Overrides, approver string) (*registry.Agent, error) {
	abs, err := absoluteDir(path)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetByPath(ctx, abs); err == nil {
		return nil, fmt.Errorf("%w: %s is already registered", ErrConflict, abs)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	if approver == "" {
		approver = "api"
	}
	agent := registry.Agent{
		ID:           ulid.Make().String(),
		ProjectPath:  abs,
		Namespace:    defaultNamespace,
		Behavior:     registry.BehaviorOnMention,
		Capabilities: []string{},
		RegisteredAt: registry.NowISO(),
		RegisteredBy: approver,
	}

	// Marker files seed the manifest.
	if cand, ok := inspectDir(abs, s.markerFiles()); ok {
		agent.Name = cand.SuggestedName
		agent.Runtime = cand.DetectedRuntime
	}
	if m, err := readProjectManifest(abs); err == nil {
		if m.Description != "" {
			agent.Description = m.Description
		}
		if len(m.Capabilities) > 0 {
			agent.Capabilities = m.Capabilities
		}
		if m.Namespace != "" {
			agent.Namespace = m.Namespace
		}
		if m.Behavior != "" {
			agent.Behavior = m.Behavior
		}
	}

	// Overrides win.
	if o.Name != "" {
		agent.Name = o.Name
	}
	if o.Runtime != "" {
		agent.Runtime = o.Runtime
	}
	if o.Description != "" {
		agent.Description = o.Description
	}
	if len(o.Capabilities) > 0 {
		agent.Capabilities = o.Capabilities
	}
	if o.Namespace != "" {
		agent.Namespace = o.Namespace
	}
	if o.Behavior != "" {
		agent.Behavior = o.Behavior
	}
	if o.Budget != nil {
		agent.Budget = *o.Budget
	}
	if o.ScanRoot != "" {
		agent.ScanRoot = o.ScanRoot
	}

	if agent.Name == "" || agent.Runtime == "" {
		return nil, fmt.Errorf("%w: overrides.name and overrides.runtime are required", ErrValidation)
	}
	if !registry.ValidRuntime(agent.Runtime) {
		return nil, fmt.Errorf("%w: unknown runtime %q", ErrValidation, agent.Runtime)
	}
	if agent.Behavior != registry.BehaviorAlways && agent.Behavior != registry.BehaviorOnMention {
		return nil, fmt.Errorf("%w: unknown behavior %q", ErrValidation, agent.Behavior)
	}
	if !namespacePattern.MatchString(agent.Namespace) {
		return nil, fmt.Errorf("%w: namespace %q is not a valid subject token", ErrValidation, agent.Namespace)
	}

	if err := s.store.Upsert(ctx, agent); err != nil {
		return nil, err
	}

	s.log.Info("agent registered",
		zap.String("id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("path", agent.ProjectPath))
	s.emitFeed(ctx, "mesh.agent.registered", map[string]interface{}{
		"id": agent.ID, "name": agent.Name, "projectPath": agent.ProjectPath,
	})
	return &agent, nil
}

// Get returns one agent by id.
func (s *Service) Get(ctx context.Context, id string) (*registry.Agent, error) {
	return s.store.Get(ctx, id)
}

// List returns agents matching the filter with derived health attached.
func (s *Service) List(ctx context.Context, filter registry.ListFilter) ([]AgentView, error) {
	if filter.Runtime != "" && !registry.ValidRuntime(filter.Runtime) {
		return nil, fmt.Errorf("%w: unknown runtime %q", ErrValidation, filter.Runtime)
	}
	agents, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	views := make([]AgentView, 0, len(agents))
	for i := range agents {
		views = append(views, AgentView{
			Agent:        agents[i],
			HealthStatus: registry.ComputeHealth(&agents[i], now),
		})
	}
	return views, nil
}

// Update patches an agent's mutable fields.
func (s *Service) Update(ctx context.Context, id string, u registry.AgentUpdate) (*registry.Agent, error) {
	if u.Behavior != nil && *u.Behavior != registry.BehaviorAlways && *u.Behavior != registry.BehaviorOnMention {
		return nil, fmt.Errorf("%w: unknown behavior %q", ErrValidation, *u.Behavior)
	}
	if u.Namespace != nil && !namespacePattern.MatchString(*u.Namespace) {
		return nil, fmt.Errorf("%w: namespace %q is not a valid subject token", ErrValidation, *u.Namespace)
	}
	return s.store.Update(ctx, id, u)
}

// Remove deletes an agent registration.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.emitFeed(ctx, "mesh.agent.removed", map[string]interface{}{"id": id})
	}
	return removed, nil
}

// UpdateHealth records a presence event for an agent, stamped now.
func (s *Service) UpdateHealth(ctx context.Context, id, event string) error {
	if err := s.store.UpdateHealth(ctx, id, registry.NowISO(), event); err != nil {
		return err
	}
	s.emitFeed(ctx, "mesh.agent.health", map[string]interface{}{"id": id, "event": event})
	return nil
}

// MarkUnreachable flags an agent until its next presence event.
func (s *Service) MarkUnreachable(ctx context.Context, id string) error {
	if err := s.store.MarkUnreachable(ctx, id); err != nil {
		return err
	}
	s.emitFeed(ctx, "mesh.agent.health", map[string]interface{}{"id": id, "event": "unreachable"})
	return nil
}

// ListUnreachableBefore returns flagged agents last seen before the
// cutoff, for garbage collection.
func (s *Service) ListUnreachableBefore(ctx context.Context, cutoff string) ([]registry.Agent, error) {
	return s.store.ListUnreachableBefore(ctx, cutoff)
}

// Deny excludes a path from future discovery scans.
func (s *Service) Deny(ctx context.Context, path, reason, denier string) (*registry.Denial, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrValidation)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid path: %v", ErrValidation, err)
	}
	if denier == "" {
		denier = "api"
	}
	d := registry.Denial{
		ID:       ulid.Make().String(),
		FilePath: filepath.Clean(abs),
		Reason:   reason,
		DeniedAt: registry.NowISO(),
		DeniedBy: denier,
	}
	if err := s.store.InsertDenial(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("path denied", zap.String("path", d.FilePath), zap.String("by", denier))
	return &d, nil
}

// ListDenials returns every denial record.
func (s *Service) ListDenials(ctx context.Context) ([]registry.Denial, error) {
	return s.store.ListDenials(ctx)
}

// Allow removes a denial. Returns true iff the path was denied.
func (s *Service) Allow(ctx context.Context, path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("%w: invalid path: %v", ErrValidation, err)
	}
	return s.store.RemoveDenial(ctx, filepath.Clean(abs))
}

// Status aggregates registry health for dashboards.
type Status struct {
	TotalAgents      int            `json:"totalAgents"`
	ActiveCount      int            `json:"activeCount"`
	InactiveCount    int            `json:"inactiveCount"`
	StaleCount       int            `json:"staleCount"`
	UnreachableCount int            `json:"unreachableCount"`
	ByRuntime        map[string]int `json:"byRuntime"`
	ByProject        map[string]int `json:"byProject"`
}

// GetStatus classifies every agent at the current instant.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	agents, err := s.store.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, err
	}

	status := &Status{
		TotalAgents: len(agents),
		ByRuntime:   map[string]int{},
		ByProject:   map[string]int{},
	}
	now := time.Now()
	for i := range agents {
		switch registry.ComputeHealth(&agents[i], now) {
		case registry.HealthActive:
			status.ActiveCount++
		case registry.HealthInactive:
			status.InactiveCount++
		case registry.HealthUnreachable:
			status.UnreachableCount++
		default:
			status.StaleCount++
		}
		status.ByRuntime[agents[i].Runtime]++
		status.ByProject[agents[i].ProjectPath]++
	}
	return status, nil
}

// Inspection pairs a manifest with its health and relay address.
type Inspection struct {
	Agent        registry.Agent `json:"agent"`
	HealthStatus string         `json:"healthStatus"`
	RelaySubject string         `json:"relaySubject"`
}

// Inspect returns one agent with derived health and the subject it
// listens on.
func (s *Service) Inspect(ctx context.Context, id string) (*Inspection, error) {
	agent, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Inspection{
		Agent:        *agent,
		HealthStatus: registry.ComputeHealth(agent, time.Now()),
		RelaySubject: RelaySubject(agent),
	}, nil
}

// RelaySubject is the conventional address an agent listens on.
func RelaySubject(a *registry.Agent) string {
	ns := a.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return "relay.agent." + ns + "." + a.ID
}

// AccessRule is a policy edge in the topology view. The daemon installs
// no rules by default; the slice exists for API shape stability.
type AccessRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is the namespace-scoped mesh view.
type Topology struct {
	Namespaces  []string     `json:"namespaces"`
	Agents      []AgentView  `json:"agents"`
	AccessRules []AccessRule `json:"accessRules"`
}

// GetTopology returns the mesh scoped to one namespace; "*" is the
// admin view across all namespaces.
func (s *Service) GetTopology(ctx context.Context, namespace string) (*Topology, error) {
	filter := registry.ListFilter{}
	if namespace != "*" {
		if !namespacePattern.MatchString(namespace) {
			return nil, fmt.Errorf("%w: namespace %q is not a valid subject token", ErrValidation, namespace)
		}
		filter.Namespace = namespace
	}

	views, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	namespaces := make([]string, 0)
	for _, v := range views {
		ns := v.Namespace
		if ns == "" {
			ns = defaultNamespace
		}
		if !seen[ns] {
			seen[ns] = true
			namespaces = append(namespaces, ns)
		}
	}
	sort.Strings(namespaces)

	return &Topology{
		Namespaces:  namespaces,
		Agents:      views,
		AccessRules: []AccessRule{},
	}, nil
}

func (s *Service) emitFeed(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, "feed."+eventType, bus.NewEvent(eventType, "mesh", data)); err != nil {
		s.log.WithError(err).Debug("feed publish failed", zap.String("type", eventType))
	}
}

func absoluteDir(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrValidation)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: invalid path: %v", ErrValidation, err)
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s does not exist", ErrValidation, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrValidation, abs)
	}
	return abs, nil
}
