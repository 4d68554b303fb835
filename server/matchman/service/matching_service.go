package service

import (
	"context"
	"errors"
	"strings"
	"time"

	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/matchman/domain"
)

const (
	DefaultTopK         = 5
	DefaultEmbedTimeout = 10 * time.Second

	RoutingEntryAdded   = "match.entry_added"
	RoutingStoreRebuilt = "match.store_rebuilt"
)

type eventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type snapshotter interface {
	Schedule(seq uint64, index, metadata []byte)
	Download(ctx context.Context) ([]byte, []byte, error)
}

type Options struct {
	EmbedTimeout time.Duration
	Events       eventPublisher
	Source       ProfileSource
	Snapshots    snapshotter
}

type MatchingService struct {
	store        *Store
	embedder     Embedder
	embedTimeout time.Duration
	events       eventPublisher
	source       ProfileSource
	snapshots    snapshotter
}

func NewMatchingService(store *Store, embedder Embedder, opts Options) *MatchingService {
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultEmbedTimeout
	}
	s := &MatchingService{
		store:        store,
		embedder:     embedder,
		embedTimeout: opts.EmbedTimeout,
		events:       opts.Events,
		source:       opts.Source,
		snapshots:    opts.Snapshots,
	}
	if s.snapshots != nil {
		store.OnCommit(s.snapshots.Schedule)
	}
	return s
}

// EntryText is the text embedded for an entry.
func EntryText(skills []string, description string) string {
	return strings.Join(skills, ", ") + " " + description
}

func (s *MatchingService) AddEntry(ctx context.Context, input domain.AddEntryInput) error {
	const op = "AddEntry"
	entityID := strings.TrimSpace(input.EntityID)
	if entityID == "" {
		return validationError(op, "entityId is required")
	}
	if len(input.Skills) == 0 {
		return validationError(op, "skills must not be empty")
	}
	for _, skill := range input.Skills {
		if strings.TrimSpace(skill) == "" {
			return validationError(op, "skills must not contain blank values")
		}
	}

	vec, err := s.embed(ctx, op, EntryText(input.Skills, input.Description))
	if err != nil {
		return err
	}
	meta := domain.Metadata{
		EntityID:    entityID,
		Skills:      append([]string(nil), input.Skills...),
		Description: input.Description,
	}
	if err := s.store.Append(domain.VectorEntry{EntityID: entityID, Embedding: vec, Metadata: meta}); err != nil {
		commonlog.Errorf("event=matching action=add_entry status=failed entity_id=%s error=%v", entityID, err)
		return err
	}
	commonlog.Infof("event=matching action=add_entry status=ok entity_id=%s count=%d", entityID, s.store.Stats().Count)
	s.publish(ctx, RoutingEntryAdded, map[string]any{
		"entity_id": entityID,
		"skills":    meta.Skills,
		"at":        time.Now().UTC(),
	})
	return nil
}

func (s *MatchingService) Search(ctx context.Context, input domain.SearchInput) ([]domain.SearchResult, error) {
	const op = "Search"
	query := strings.TrimSpace(input.QueryText)
	if query == "" {
		return nil, validationError(op, "queryText is required")
	}
	topK := input.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if status, err := s.store.Status(); status != domain.StoreReady {
		return nil, err
	}
	if s.store.Stats().Count == 0 {
		return []domain.SearchResult{}, nil
	}

	vec, err := s.embed(ctx, op, input.QueryText)
	if err != nil {
		return nil, err
	}
	return s.store.Search(vec, topK)
}

func (s *MatchingService) Stats() domain.Stats {
	return s.store.Stats()
}

func (s *MatchingService) Reload(ctx context.Context) error {
	return s.store.Reload()
}

// Rebuild re-embeds every profile from the configured source and replaces the
// store wholesale. Stored embeddings are reused when their size matches.
func (s *MatchingService) Rebuild(ctx context.Context) (domain.RebuildResult, error) {
	const op = "Rebuild"
	if s.source == nil {
		return domain.RebuildResult{}, unavailableError(op, errors.New("no profile source configured"))
	}
	profiles, err := s.source.ListProfiles(ctx)
	if err != nil {
		return domain.RebuildResult{}, unavailableError(op, err)
	}

	writer, canWrite := s.source.(embeddingWriter)
	var result domain.RebuildResult
	entries := make([]domain.VectorEntry, 0, len(profiles))
	for _, profile := range profiles {
		input, ok := profileEntry(profile)
		if !ok {
			result.Skipped++
			continue
		}
		vec := profile.Embedding
		if len(vec) > 0 && len(vec) == s.embedder.Dimensions() {
			result.Reused++
		} else {
			vec, err = s.embed(ctx, op, EntryText(input.Skills, input.Description))
			if err != nil {
				return domain.RebuildResult{}, err
			}
			if canWrite {
				if err := writer.SaveEmbedding(ctx, input.EntityID, vec); err != nil {
					commonlog.Warnf("event=matching action=save_embedding status=failed entity_id=%s error=%v", input.EntityID, err)
				}
			}
		}
		entries = append(entries, domain.VectorEntry{
			EntityID:  input.EntityID,
			Embedding: vec,
			Metadata:  domain.Metadata{EntityID: input.EntityID, Skills: input.Skills, Description: input.Description},
		})
	}

	if err := s.store.Replace(entries); err != nil {
		return domain.RebuildResult{}, err
	}
	result.Count = len(entries)
	commonlog.Infof("event=matching action=rebuild status=ok count=%d reused=%d skipped=%d", result.Count, result.Reused, result.Skipped)
	s.publish(ctx, RoutingStoreRebuilt, map[string]any{
		"count": result.Count,
		"at":    time.Now().UTC(),
	})
	return result, nil
}

// Restore installs the latest snapshot from object storage after validating it.
func (s *MatchingService) Restore(ctx context.Context) error {
	const op = "Restore"
	if s.snapshots == nil {
		return unavailableError(op, errors.New("snapshots are disabled"))
	}
	index, metadata, err := s.snapshots.Download(ctx)
	if err != nil {
		return unavailableError(op, err)
	}
	if err := s.store.Install(index, metadata); err != nil {
		commonlog.Errorf("event=matching action=restore status=failed error=%v", err)
		return err
	}
	commonlog.Infof("event=matching action=restore status=ok count=%d", s.store.Stats().Count)
	return nil
}

// Close waits for background snapshot uploads.
func (s *MatchingService) Close() {
	if w, ok := s.snapshots.(interface{ Wait() }); ok {
		w.Wait()
	}
}

func (s *MatchingService) embed(ctx context.Context, op, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, providerError(op, err)
	}
	if len(vec) == 0 {
		return nil, providerError(op, errors.New("empty embedding"))
	}
	return vec, nil
}

func (s *MatchingService) publish(ctx context.Context, key string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, key, payload); err != nil {
		commonlog.Warnf("event=matching action=publish status=failed key=%s error=%v", key, err)
	}
}
