package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmemory/openmemory-go/pkg/classifier"
	"github.com/openmemory/openmemory-go/pkg/embedder"
	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/simhash"
	"github.com/openmemory/openmemory-go/pkg/storage"
	"github.com/openmemory/openmemory-go/pkg/vector"
)

// segmentCount partitions memories for maintenance sweeps.
const segmentCount = 1024

// defaultSalience is the initial importance of a new memory.
const defaultSalience = 0.5

// AddRequest describes one memory to store.
type AddRequest struct {
	// Content is the memory text. Required.
	Content string

	// UserID scopes the memory to a tenant; empty means the null tenant.
	UserID string

	// Tags are optional labels merged with classifier keywords.
	Tags []string

	// Metadata is optional structured data stored with the memory.
	Metadata map[string]interface{}

	// Sector overrides the classifier. A set sector is also treated as
	// labelled feedback and trains the tenant's learned head.
	Sector Sector

	// Salience overrides the initial importance; zero means the default.
	Salience float64
}

// Add stores a memory: dedup by content fingerprint, sector classification,
// per-sector embedding, optional encryption, waypoint linking, and a
// memory_added event.
//
// An identical fingerprint for the same tenant does not insert: the
// existing memory is touched and reinforced instead, and returned with its
// original id.
func (c *Client) Add(ctx context.Context, req *AddRequest) (*Memory, error) {
	if req == nil || req.Content == "" {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: empty content", ErrInvalidInput))
	}
	if len(req.Content) > c.cfg.MaxPayloadSize {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, c.cfg.MaxPayloadSize))
	}
	if req.Sector != "" && !ValidSector(req.Sector) {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, req.Sector))
	}

	now := NowMillis(c.clock)
	hash := simhash.HashHex(req.Content)

	// Dedup: an identical fingerprint reinforces instead of inserting.
	if existing, err := c.meta.GetMemoryBySimhash(ctx, req.UserID, hash); err == nil {
		return c.reinforceDuplicate(ctx, existing, now)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	sector, scores, keywords := c.classify(ctx, req.UserID, req.Content)
	if req.Sector != "" {
		sector = req.Sector
		scores[string(req.Sector)] = 1
		c.trainHead(ctx, req.UserID, req.Content, string(req.Sector))
	}

	sectors := make([]string, 0, len(scores))
	for s := range scores {
		sectors = append(sectors, s)
	}

	vecs, embErr := c.embedSectors(ctx, req.Content, sectors)
	if embErr != nil {
		// Embedding failure is tolerated: the row is still stored and
		// remains reachable through keyword fallback until re-embedded.
		c.logger.Warn("embedding failed, storing without vectors",
			zap.String("user_id", req.UserID),
			zap.Error(embErr))
	}

	salience := req.Salience
	if salience <= 0 {
		salience = defaultSalience
	}
	content := req.Content
	keyVersion := 0
	if c.enc != nil {
		sealed, err := c.enc.Encrypt(content)
		if err != nil {
			return nil, NewMemoryError("Add", fmt.Errorf("%w: %v", ErrSecurity, err))
		}
		content = sealed
		keyVersion = c.enc.KeyVersion()
	}

	tags := mergeTags(req.Tags, keywords)
	sfID := c.node.Generate().Int64()
	row := &storage.MemoryRow{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Segment:       sfID % segmentCount,
		Content:       content,
		Simhash:       hash,
		PrimarySector: string(sector),
		TagsJSON:      marshalJSON(tags),
		MetadataJSON:  marshalJSON(req.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastSeenAt:    now,
		Salience:      salience,
		DecayLambda:   SectorDecayLambda[sector],
		Version:       1,
		KeyVersion:    keyVersion,
	}

	var meanVec []float32
	if len(vecs) > 0 {
		all := make([][]float32, 0, len(vecs))
		for _, v := range vecs {
			all = append(all, v)
		}
		if mean := vector.Mean(all); mean != nil {
			meanVec = mean
			row.MeanDim = len(mean)
			row.MeanVec = vector.Encode(mean)
		}
	}

	err := c.meta.InTx(ctx, func(ctx context.Context) error {
		if err := c.meta.InsertMemory(ctx, row); err != nil {
			return err
		}
		if len(vecs) > 0 {
			items := make([]storage.VectorItem, 0, len(vecs))
			for s, v := range vecs {
				items = append(items, storage.VectorItem{
					MemoryID: row.ID,
					Sector:   s,
					Vec:      v,
					Dim:      len(v),
				})
			}
			if err := c.vecs.StoreVectors(ctx, items, req.UserID); err != nil {
				return err
			}
		}
		return c.waypoints.LinkNew(ctx, row, meanVec)
	})
	if err != nil {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	c.cacheVectors(row.ID, req.UserID, vecs)
	c.bus.Publish(events.MemoryAdded, req.UserID, map[string]interface{}{
		"memory_id": row.ID,
		"sector":    string(sector),
	})

	mem, err := c.hydrate(row)
	if err != nil {
		return nil, NewMemoryError("Add", err)
	}
	return mem, nil
}

// reinforceDuplicate is the dedup fast path: touch, boost and return the
// existing memory under its original id.
func (c *Client) reinforceDuplicate(ctx context.Context, row *storage.MemoryRow, now int64) (*Memory, error) {
	boost := c.recallBoost(Sector(row.PrimarySector))
	if err := c.meta.TouchMemory(ctx, row.ID, now, boost, c.cfg.Reinforcement.MaxSalience); err != nil {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	c.bus.Publish(events.MemoryUpdated, row.UserID, map[string]interface{}{
		"memory_id": row.ID,
		"dedup":     true,
	})
	fresh, err := c.meta.GetMemory(ctx, row.ID)
	if err != nil {
		return nil, NewMemoryError("Add", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	mem, err := c.hydrate(fresh)
	if err != nil {
		return nil, NewMemoryError("Add", err)
	}
	return mem, nil
}

// recallBoost is the salience increment for one recall, amplified for
// emotional memories.
func (c *Client) recallBoost(sector Sector) float64 {
	boost := c.cfg.Reinforcement.SalienceBoost
	if sector == SectorEmotional {
		boost *= c.cfg.Dynamics.BetaEmotional
	}
	return boost
}

// AddBatch stores several memories concurrently, bounded by the embedding
// semaphore. Results hold nil for entries that failed; the first error is
// returned after all entries settle.
func (c *Client) AddBatch(ctx context.Context, reqs []*AddRequest) ([]*Memory, error) {
	out := make([]*Memory, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			mem, err := c.Add(gctx, req)
			if err != nil {
				return err
			}
			out[i] = mem
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// Get fetches one memory scoped to userID.
func (c *Client) Get(ctx context.Context, id, userID string) (*Memory, error) {
	row, err := c.meta.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewMemoryError("Get", ErrNotFound)
	}
	if err != nil {
		return nil, NewMemoryError("Get", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	// Tenant mismatch reads the same as absence.
	if row.UserID != userID {
		return nil, NewMemoryError("Get", ErrNotFound)
	}
	mem, err := c.hydrate(row)
	if err != nil {
		return nil, NewMemoryError("Get", err)
	}
	return mem, nil
}

// UpdateRequest describes a partial memory update. Nil fields keep the
// stored value.
type UpdateRequest struct {
	Content  *string
	Tags     []string
	Metadata map[string]interface{}
	Salience *float64
}

// Update applies a partial update. Changed content is re-fingerprinted and
// re-embedded; every update bumps the version and emits memory_updated.
func (c *Client) Update(ctx context.Context, id, userID string, req *UpdateRequest) (*Memory, error) {
	if req == nil {
		return nil, NewMemoryError("Update", fmt.Errorf("%w: empty update", ErrInvalidInput))
	}
	row, err := c.meta.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewMemoryError("Update", ErrNotFound)
	}
	if err != nil {
		return nil, NewMemoryError("Update", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if row.UserID != userID {
		return nil, NewMemoryError("Update", ErrNotFound)
	}

	now := NowMillis(c.clock)
	var vecs map[string][]float32

	if req.Content != nil && *req.Content != "" {
		if len(*req.Content) > c.cfg.MaxPayloadSize {
			return nil, NewMemoryError("Update", fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, c.cfg.MaxPayloadSize))
		}
		row.Simhash = simhash.HashHex(*req.Content)

		sector, scores, _ := c.classify(ctx, userID, *req.Content)
		row.PrimarySector = string(sector)
		row.DecayLambda = SectorDecayLambda[sector]

		sectors := make([]string, 0, len(scores))
		for s := range scores {
			sectors = append(sectors, s)
		}
		vecs, err = c.embedSectors(ctx, *req.Content, sectors)
		if err != nil {
			c.logger.Warn("re-embedding failed on update",
				zap.String("memory_id", id), zap.Error(err))
		}

		content := *req.Content
		if c.enc != nil {
			sealed, encErr := c.enc.Encrypt(content)
			if encErr != nil {
				return nil, NewMemoryError("Update", fmt.Errorf("%w: %v", ErrSecurity, encErr))
			}
			content = sealed
			row.KeyVersion = c.enc.KeyVersion()
		}
		row.Content = content

		if len(vecs) > 0 {
			all := make([][]float32, 0, len(vecs))
			for _, v := range vecs {
				all = append(all, v)
			}
			if mean := vector.Mean(all); mean != nil {
				row.MeanDim = len(mean)
				row.MeanVec = vector.Encode(mean)
				row.CompressedVec = nil
			}
		}
	}
	if req.Tags != nil {
		row.TagsJSON = marshalJSON(req.Tags)
	}
	if req.Metadata != nil {
		row.MetadataJSON = marshalJSON(req.Metadata)
	}
	if req.Salience != nil {
		s := *req.Salience
		if s < 0 || s > c.cfg.Reinforcement.MaxSalience {
			return nil, NewMemoryError("Update", fmt.Errorf("%w: salience %v out of range", ErrInvalidInput, s))
		}
		row.Salience = s
	}
	row.UpdatedAt = now

	err = c.meta.InTx(ctx, func(ctx context.Context) error {
		if err := c.meta.UpdateMemory(ctx, row); err != nil {
			return err
		}
		if len(vecs) > 0 {
			if err := c.vecs.DeleteVectors(ctx, row.ID); err != nil {
				return err
			}
			items := make([]storage.VectorItem, 0, len(vecs))
			for s, v := range vecs {
				items = append(items, storage.VectorItem{MemoryID: row.ID, Sector: s, Vec: v, Dim: len(v)})
			}
			return c.vecs.StoreVectors(ctx, items, userID)
		}
		return nil
	})
	if err != nil {
		return nil, NewMemoryError("Update", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	c.vcache.Invalidate(row.ID)
	if len(vecs) > 0 {
		c.cacheVectors(row.ID, userID, vecs)
	}
	c.bus.Publish(events.MemoryUpdated, userID, map[string]interface{}{"memory_id": row.ID})

	fresh, err := c.meta.GetMemory(ctx, row.ID)
	if err != nil {
		return nil, NewMemoryError("Update", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	mem, err := c.hydrate(fresh)
	if err != nil {
		return nil, NewMemoryError("Update", err)
	}
	return mem, nil
}

// Delete removes a memory, its vectors and its waypoint edges.
func (c *Client) Delete(ctx context.Context, id, userID string) error {
	row, err := c.meta.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewMemoryError("Delete", ErrNotFound)
	}
	if err != nil {
		return NewMemoryError("Delete", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if row.UserID != userID {
		return NewMemoryError("Delete", ErrNotFound)
	}

	err = c.meta.InTx(ctx, func(ctx context.Context) error {
		if err := c.meta.DeleteWaypointsFor(ctx, id); err != nil {
			return err
		}
		return c.meta.DeleteMemory(ctx, id)
	})
	if err != nil {
		return NewMemoryError("Delete", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if err := c.vecs.DeleteVectors(ctx, id); err != nil {
		c.logger.Warn("vector cleanup failed on delete",
			zap.String("memory_id", id), zap.Error(err))
	}
	c.vcache.Invalidate(id)
	c.bus.Publish(events.MemoryDeleted, userID, map[string]interface{}{"memory_id": id})
	return nil
}

// DeleteAll removes every memory, vector, fact and edge of a tenant.
func (c *Client) DeleteAll(ctx context.Context, userID string) error {
	err := c.meta.InTx(ctx, func(ctx context.Context) error {
		if err := c.meta.DeleteMemoriesByUser(ctx, userID); err != nil {
			return err
		}
		if err := c.meta.DeleteFactsByUser(ctx, userID); err != nil {
			return err
		}
		return c.meta.DeleteEdgesByUser(ctx, userID)
	})
	if err != nil {
		return NewMemoryError("DeleteAll", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if err := c.vecs.DeleteVectorsByUser(ctx, userID); err != nil {
		return NewMemoryError("DeleteAll", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	c.vcache.InvalidateUser(userID)
	c.bus.Publish(events.MemoryDeleted, userID, map[string]interface{}{"all": true})
	return nil
}

// List pages through a tenant's memories, newest first.
func (c *Client) List(ctx context.Context, userID string, limit, offset int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.meta.ListMemories(ctx, userID, limit, offset)
	if err != nil {
		return nil, NewMemoryError("List", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	out := make([]*Memory, 0, len(rows))
	for _, row := range rows {
		mem, err := c.hydrate(row)
		if err != nil {
			return nil, NewMemoryError("List", err)
		}
		out = append(out, mem)
	}
	return out, nil
}

// Count returns a tenant's memory count.
func (c *Client) Count(ctx context.Context, userID string) (int, error) {
	n, err := c.meta.CountMemories(ctx, userID)
	if err != nil {
		return 0, NewMemoryError("Count", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	return n, nil
}

// Feedback records explicit relevance feedback on a memory. Positive scores
// reinforce salience and train the tenant's learned classifier head with
// the memory's sector.
func (c *Client) Feedback(ctx context.Context, id, userID string, score float64) error {
	row, err := c.meta.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewMemoryError("Feedback", ErrNotFound)
	}
	if err != nil {
		return NewMemoryError("Feedback", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if row.UserID != userID {
		return NewMemoryError("Feedback", ErrNotFound)
	}

	row.FeedbackScore += score
	row.UpdatedAt = NowMillis(c.clock)
	if err := c.meta.UpdateMemory(ctx, row); err != nil {
		return NewMemoryError("Feedback", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}
	if score > 0 {
		plain, err := c.plaintext(row)
		if err == nil {
			c.trainHead(ctx, userID, plain, row.PrimarySector)
		}
	}
	return nil
}

// classify routes content through the learned head when trained, otherwise
// through the rule classifier.
func (c *Client) classify(ctx context.Context, userID, content string) (Sector, map[string]float64, []string) {
	result := c.rules.Classify(content)
	primary := Sector(result.Primary)

	if head := c.loadHead(ctx, userID); head != nil {
		if s, prob, ok := head.Predict(content); ok && prob >= c.cfg.ClassifierOverrideThreshold {
			primary = Sector(s)
			result.Scores[s] = prob
		}
	}
	return primary, result.Scores, result.Keywords
}

// loadHead returns the tenant's learned head, loading it at most once per
// process via singleflight. Tenants without a persisted model get nil.
func (c *Client) loadHead(ctx context.Context, userID string) *classifier.LogisticModel {
	if userID == "" {
		return nil
	}
	c.headMu.Lock()
	if head, ok := c.heads[userID]; ok {
		c.headMu.Unlock()
		return head
	}
	c.headMu.Unlock()

	v, _, _ := c.headSF.Do(userID, func() (interface{}, error) {
		row, err := c.meta.GetClassifierModel(ctx, userID)
		if err != nil {
			return (*classifier.LogisticModel)(nil), nil
		}
		head, err := classifier.LoadLogisticModel(row.ModelJSON)
		if err != nil {
			c.logger.Warn("discarding corrupt classifier model",
				zap.String("user_id", userID), zap.Error(err))
			return (*classifier.LogisticModel)(nil), nil
		}
		c.headMu.Lock()
		c.heads[userID] = head
		c.headMu.Unlock()
		return head, nil
	})
	head, _ := v.(*classifier.LogisticModel)
	return head
}

// trainHead applies one labelled example to the tenant's head and persists
// the updated model.
func (c *Client) trainHead(ctx context.Context, userID, content, sector string) {
	if userID == "" {
		return
	}
	head := c.loadHead(ctx, userID)
	if head == nil {
		head = classifier.NewLogisticModel()
		c.headMu.Lock()
		c.heads[userID] = head
		c.headMu.Unlock()
	}
	head.Train(content, sector)

	modelJSON, err := head.Marshal()
	if err != nil {
		c.logger.Warn("classifier model marshal failed", zap.Error(err))
		return
	}
	if err := c.meta.SaveClassifierModel(ctx, &storage.ClassifierModelRow{
		UserID:    userID,
		ModelJSON: modelJSON,
		UpdatedAt: NowMillis(c.clock),
	}); err != nil {
		c.logger.Warn("classifier model save failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// embedSectors produces one vector per sector, capped by the embedding
// semaphore shared across the client.
func (c *Client) embedSectors(ctx context.Context, content string, sectors []string) (map[string][]float32, error) {
	if len(sectors) == 0 {
		return nil, nil
	}
	if err := c.embedSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.embedSem.Release(1)

	vecs, err := embedder.EmbedSectors(ctx, c.emb, content, sectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

func (c *Client) cacheVectors(id, userID string, vecs map[string][]float32) {
	if len(vecs) == 0 {
		return
	}
	cached := make([]vector.CachedVector, 0, len(vecs))
	for s, v := range vecs {
		cached = append(cached, vector.CachedVector{
			Sector: s,
			Vec:    v,
			Dim:    len(v),
			UserID: userID,
		})
	}
	c.vcache.Set(id, cached)
}

// hydrate converts a storage row into the API-facing memory: JSON columns
// parsed, envelope decrypted.
func (c *Client) hydrate(row *storage.MemoryRow) (*Memory, error) {
	content, err := c.plaintext(row)
	if err != nil {
		return nil, err
	}

	var tags []string
	if row.TagsJSON != "" {
		_ = json.Unmarshal([]byte(row.TagsJSON), &tags)
	}
	var metadata map[string]interface{}
	if row.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(row.MetadataJSON), &metadata)
	}

	return &Memory{
		ID:               row.ID,
		UserID:           row.UserID,
		Segment:          row.Segment,
		Content:          content,
		Simhash:          row.Simhash,
		PrimarySector:    Sector(row.PrimarySector),
		Tags:             tags,
		Metadata:         metadata,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		LastSeenAt:       row.LastSeenAt,
		Salience:         row.Salience,
		DecayLambda:      row.DecayLambda,
		Version:          row.Version,
		FeedbackScore:    row.FeedbackScore,
		GeneratedSummary: row.Summary,
		Coactivations:    row.Coactivations,
		KeyVersion:       row.KeyVersion,
	}, nil
}

// plaintext opens the content envelope when encryption is configured.
// Decryption failures always propagate; content is never silently replaced.
func (c *Client) plaintext(row *storage.MemoryRow) (string, error) {
	if c.enc == nil {
		return row.Content, nil
	}
	plain, err := c.enc.Decrypt(row.Content)
	if err != nil {
		return "", fmt.Errorf("%w: memory %s: %v", ErrSecurity, row.ID, err)
	}
	return plain, nil
}

func mergeTags(tags, keywords []string) []string {
	seen := make(map[string]bool, len(tags)+len(keywords))
	out := make([]string, 0, len(tags)+len(keywords))
	for _, lists := range [][]string{tags, keywords} {
		for _, t := range lists {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func marshalJSON(v interface{}) string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return ""
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return ""
		}
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
