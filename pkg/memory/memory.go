package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/rookery/pkg/config"
	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
	"github.com/corvid-labs/rookery/pkg/metrics"
	"github.com/corvid-labs/rookery/pkg/types"
)

const (
	entriesFile = "entries.json"
	basesFile   = "knowledge-bases.json"

	knowledgeSearchLimit = 50
)

// KnowledgeBase aggregates knowledge entries for one domain.
type KnowledgeBase struct {
	Domain    string    `json:"domain"`
	Expertise []string  `json:"expertise"`
	EntryIDs  []string  `json:"entry_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store owns all memory entries and knowledge bases.
type Store struct {
	mu      sync.RWMutex
	config  config.MemoryConfig
	entries map[string]*types.MemoryEntry
	byAgent map[string][]string
	// order holds entry ids oldest first and drives eviction
	order []string
	bases map[string]*KnowledgeBase
}

// New creates a store, loading persisted state when a persistence path is
// configured and present.
func New(cfg config.MemoryConfig) (*Store, error) {
	s := &Store{
		config:  cfg,
		entries: make(map[string]*types.MemoryEntry),
		byAgent: make(map[string][]string),
		bases:   make(map[string]*KnowledgeBase),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// RememberSpec describes a new entry.
type RememberSpec struct {
	AgentID    string
	Type       types.MemoryType
	Content    string
	Tags       []string
	Metadata   map[string]string
	Priority   int
	ShareLevel types.ShareLevel
	TaskID     string
	Objective  string
}

// Remember stores an entry, cross-indexing knowledge entries into every
// base whose expertise intersects the entry's tags.
func (s *Store) Remember(spec RememberSpec) (*types.MemoryEntry, error) {
	if spec.AgentID == "" {
		return nil, errdefs.InvalidInput("memory entry needs an owning agent")
	}
	if spec.Content == "" {
		return nil, errdefs.InvalidInput("memory entry needs content")
	}
	switch spec.Type {
	case types.MemoryKnowledge, types.MemoryResult, types.MemoryState,
		types.MemoryCommunication, types.MemoryError:
	default:
		return nil, errdefs.InvalidInput("unknown memory type %q", spec.Type)
	}
	if spec.ShareLevel == "" {
		spec.ShareLevel = types.SharePrivate
	}
	switch spec.ShareLevel {
	case types.SharePrivate, types.ShareTeam, types.SharePublic:
	default:
		return nil, errdefs.InvalidInput("unknown share level %q", spec.ShareLevel)
	}

	entry := &types.MemoryEntry{
		ID:         uuid.New().String(),
		AgentID:    spec.AgentID,
		Type:       spec.Type,
		Content:    spec.Content,
		Tags:       spec.Tags,
		Metadata:   spec.Metadata,
		Timestamp:  time.Now(),
		Priority:   spec.Priority,
		ShareLevel: spec.ShareLevel,
		TaskID:     spec.TaskID,
		Objective:  spec.Objective,
	}

	s.mu.Lock()
	s.insertLocked(entry)
	s.evictLocked()
	s.mu.Unlock()

	log.WithAgentID(spec.AgentID).Debug().
		Str("entry_id", entry.ID).
		Str("type", string(spec.Type)).
		Msg("memory entry stored")
	return copyEntry(entry), nil
}

func (s *Store) insertLocked(entry *types.MemoryEntry) {
	s.entries[entry.ID] = entry
	s.byAgent[entry.AgentID] = append(s.byAgent[entry.AgentID], entry.ID)
	s.order = append(s.order, entry.ID)

	if entry.Type == types.MemoryKnowledge && s.config.KnowledgeBases {
		for _, kb := range s.bases {
			if intersects(kb.Expertise, entry.Tags) {
				kb.EntryIDs = append(kb.EntryIDs, entry.ID)
				kb.UpdatedAt = time.Now()
			}
		}
	}
	metrics.MemoryEntriesTotal.Set(float64(len(s.entries)))
}

// evictLocked discards the oldest entries until the count fits the
// configured maximum.
func (s *Store) evictLocked() {
	if s.config.MaxEntries <= 0 {
		return
	}
	for len(s.entries) > s.config.MaxEntries && len(s.order) > 0 {
		victim := s.order[0]
		s.order = s.order[1:]
		entry, ok := s.entries[victim]
		if !ok {
			continue
		}
		s.removeLocked(entry)
		metrics.MemoryEvictionsTotal.Inc()
		log.WithAgentID(entry.AgentID).Debug().Str("entry_id", victim).Msg("memory entry evicted")
	}
	metrics.MemoryEntriesTotal.Set(float64(len(s.entries)))
}

func (s *Store) removeLocked(entry *types.MemoryEntry) {
	delete(s.entries, entry.ID)
	s.byAgent[entry.AgentID] = removeID(s.byAgent[entry.AgentID], entry.ID)
	if len(s.byAgent[entry.AgentID]) == 0 {
		delete(s.byAgent, entry.AgentID)
	}
	for _, kb := range s.bases {
		kb.EntryIDs = removeID(kb.EntryIDs, entry.ID)
	}
}

// Forget deletes an entry. Only the owner may forget a private entry.
func (s *Store) Forget(entryID, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return errdefs.NotFound("memory entry %s not found", entryID)
	}
	if entry.ShareLevel == types.SharePrivate && requester != "" && requester != entry.AgentID {
		return errdefs.ConflictState("entry %s is private to %s", entryID, entry.AgentID)
	}
	s.removeLocked(entry)
	s.order = removeID(s.order, entryID)
	metrics.MemoryEntriesTotal.Set(float64(len(s.entries)))
	return nil
}

// Query filters a recall. Zero fields match everything.
type Query struct {
	Agent      string
	Type       types.MemoryType
	TaskID     string
	Objective  string
	Tags       []string
	Since      time.Time
	Before     time.Time
	ShareLevel types.ShareLevel
	// Requester gates private entries: they are visible only when the
	// requester is the owner. Empty means an internal caller that sees
	// everything.
	Requester string
	Limit     int
}

// Recall returns matching entries newest first. The limit applies after
// sorting.
func (s *Store) Recall(q Query) []types.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MemoryEntry
	for _, entry := range s.entries {
		if !s.matches(entry, q) {
			continue
		}
		out = append(out, *copyEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (s *Store) matches(entry *types.MemoryEntry, q Query) bool {
	if entry.ShareLevel == types.SharePrivate && q.Requester != "" && q.Requester != entry.AgentID {
		return false
	}
	if q.Agent != "" && entry.AgentID != q.Agent {
		return false
	}
	if q.Type != "" && entry.Type != q.Type {
		return false
	}
	if q.TaskID != "" && entry.TaskID != q.TaskID {
		return false
	}
	if q.Objective != "" && entry.Objective != q.Objective {
		return false
	}
	if q.ShareLevel != "" && entry.ShareLevel != q.ShareLevel {
		return false
	}
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !entry.Timestamp.Before(q.Before) {
		return false
	}
	for _, tag := range q.Tags {
		if !containsString(entry.Tags, tag) {
			return false
		}
	}
	return true
}

// Share duplicates an entry under the target agent with provenance back
// to the original. Private entries may not be shared.
func (s *Store) Share(entryID, targetAgent string) (*types.MemoryEntry, error) {
	if targetAgent == "" {
		return nil, errdefs.InvalidInput("share needs a target agent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	origin, ok := s.entries[entryID]
	if !ok {
		return nil, errdefs.NotFound("memory entry %s not found", entryID)
	}
	if origin.ShareLevel == types.SharePrivate {
		return nil, errdefs.ConflictState("entry %s is private and may not be shared", entryID)
	}
	if targetAgent == origin.AgentID {
		return nil, errdefs.InvalidInput("entry %s already belongs to %s", entryID, targetAgent)
	}

	copied := copyEntry(origin)
	copied.ID = uuid.New().String()
	copied.AgentID = targetAgent
	copied.Timestamp = time.Now()
	copied.Provenance = &types.Provenance{
		OriginalID: origin.ID,
		SharedFrom: origin.AgentID,
		SharedTo:   targetAgent,
		SharedAt:   time.Now(),
	}

	s.insertLocked(copied)
	s.evictLocked()
	return copyEntry(copied), nil
}

// Broadcast shares an entry to every listed agent. Per-agent failures are
// logged and skipped; the successful copies are returned.
func (s *Store) Broadcast(entryID string, agentIDs []string) []*types.MemoryEntry {
	var out []*types.MemoryEntry
	for _, id := range agentIDs {
		copied, err := s.Share(entryID, id)
		if err != nil {
			log.WithAgentID(id).Warn().Err(err).Str("entry_id", entryID).Msg("broadcast share failed")
			continue
		}
		out = append(out, copied)
	}
	return out
}

// CreateBase registers a knowledge base and indexes existing knowledge
// entries whose tags intersect its expertise.
func (s *Store) CreateBase(domain string, expertise []string) (*KnowledgeBase, error) {
	if domain == "" {
		return nil, errdefs.InvalidInput("knowledge base needs a domain")
	}
	if !s.config.KnowledgeBases {
		return nil, errdefs.ConflictState("knowledge bases are disabled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bases[domain]; exists {
		return nil, errdefs.InvalidInput("knowledge base %s already exists", domain)
	}
	kb := &KnowledgeBase{
		Domain:    domain,
		Expertise: expertise,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	for _, id := range s.order {
		entry := s.entries[id]
		if entry != nil && entry.Type == types.MemoryKnowledge && intersects(expertise, entry.Tags) {
			kb.EntryIDs = append(kb.EntryIDs, id)
		}
	}
	s.bases[domain] = kb
	return copyBase(kb), nil
}

// Bases lists knowledge bases sorted by domain.
func (s *Store) Bases() []KnowledgeBase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KnowledgeBase, 0, len(s.bases))
	for _, kb := range s.bases {
		out = append(out, *copyBase(kb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// SearchKnowledge runs a substring search over knowledge-base entries,
// optionally narrowed to one domain or one expertise tag.
func (s *Store) SearchKnowledge(query, domain, expertise string) []types.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	seen := make(map[string]bool)
	var out []types.MemoryEntry

	domains := make([]string, 0, len(s.bases))
	for d := range s.bases {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, d := range domains {
		kb := s.bases[d]
		if domain != "" && kb.Domain != domain {
			continue
		}
		if expertise != "" && !containsString(kb.Expertise, expertise) {
			continue
		}
		for _, id := range kb.EntryIDs {
			entry, ok := s.entries[id]
			if !ok || seen[id] {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(entry.Content), needle) &&
				!tagsContain(entry.Tags, needle) {
				continue
			}
			seen[id] = true
			out = append(out, *copyEntry(entry))
			if len(out) >= knowledgeSearchLimit {
				return out
			}
		}
	}
	return out
}

// Stats summarises the store.
type Stats struct {
	Entries        int            `json:"entries"`
	Agents         int            `json:"agents"`
	KnowledgeBases int            `json:"knowledge_bases"`
	ByType         map[string]int `json:"by_type"`
}

// MemoryStats returns current counts.
func (s *Store) MemoryStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Entries:        len(s.entries),
		Agents:         len(s.byAgent),
		KnowledgeBases: len(s.bases),
		ByType:         make(map[string]int),
	}
	for _, entry := range s.entries {
		stats.ByType[string(entry.Type)]++
	}
	return stats
}

// persistedState is the on-disk shape of entries.json.
type persistedState struct {
	Entries []types.MemoryEntry `json:"entries"`
}

// Persist writes entries and knowledge bases to the persistence path.
// A store without a path is memory-only and Persist is a no-op.
func (s *Store) Persist() error {
	dir := s.config.PersistencePath
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "create persistence dir")
	}

	s.mu.RLock()
	state := persistedState{Entries: make([]types.MemoryEntry, 0, len(s.order))}
	for _, id := range s.order {
		if entry, ok := s.entries[id]; ok {
			state.Entries = append(state.Entries, *entry)
		}
	}
	bases := make([]KnowledgeBase, 0, len(s.bases))
	for _, kb := range s.bases {
		bases = append(bases, *kb)
	}
	s.mu.RUnlock()

	if err := writeJSON(filepath.Join(dir, entriesFile), state.Entries); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, basesFile), bases)
}

func (s *Store) load() error {
	dir := s.config.PersistencePath
	if dir == "" {
		return nil
	}

	var entries []types.MemoryEntry
	if err := readJSON(filepath.Join(dir, entriesFile), &entries); err != nil {
		return err
	}
	for i := range entries {
		entry := entries[i]
		s.entries[entry.ID] = &entry
		s.byAgent[entry.AgentID] = append(s.byAgent[entry.AgentID], entry.ID)
		s.order = append(s.order, entry.ID)
	}

	var bases []KnowledgeBase
	if err := readJSON(filepath.Join(dir, basesFile), &bases); err != nil {
		return err
	}
	for i := range bases {
		kb := bases[i]
		s.bases[kb.Domain] = &kb
	}
	metrics.MemoryEntriesTotal.Set(float64(len(s.entries)))
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "write %s", filepath.Base(path))
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.Wrap(errdefs.KindInternal, err, "read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "decode %s", filepath.Base(path))
	}
	return nil
}

func copyEntry(e *types.MemoryEntry) *types.MemoryEntry {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.Provenance != nil {
		p := *e.Provenance
		out.Provenance = &p
	}
	return &out
}

func copyBase(kb *KnowledgeBase) *KnowledgeBase {
	out := *kb
	out.Expertise = append([]string(nil), kb.Expertise...)
	out.EntryIDs = append([]string(nil), kb.EntryIDs...)
	return &out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsString(b, x) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func tagsContain(tags []string, needle string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
