package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openmemory/openmemory-go/pkg/classifier"
	"github.com/openmemory/openmemory-go/pkg/events"
	"github.com/openmemory/openmemory-go/pkg/graph"
	"github.com/openmemory/openmemory-go/pkg/simhash"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// defaultQueryLimit applies when a request does not set Limit.
const defaultQueryLimit = 10

// queryCacheTTL bounds how long a ranked id list is served from the result
// cache. Cached serves skip reinforcement side effects.
const queryCacheTTL = 30 * time.Second

// defaultRecencyTauDays applies when the config leaves the recency time
// constant unset.
const defaultRecencyTauDays = 50.0

// keywordScanLimit caps how many recent memories the keyword fallback scans.
const keywordScanLimit = 256

// QueryRequest describes one retrieval.
type QueryRequest struct {
	// Query is the natural-language query text. Required.
	Query string

	// UserID scopes retrieval to a tenant.
	UserID string

	// Limit caps the number of results; zero means the default.
	Limit int

	// Sectors restricts the searched sectors. Empty means the classifier
	// picks the sectors the query activates.
	Sectors []Sector

	// MinScore drops results scoring below it.
	MinScore float64

	// Filter matches against per-vector metadata during similarity search.
	Filter map[string]interface{}

	// TagHints bias scoring toward memories carrying these tags. When empty
	// the classifier keywords of the query text stand in.
	TagHints []string

	// Expand admits graph neighbours of the vector hits as extra candidates
	// instead of only boosting the hits themselves.
	Expand bool

	// SkipReinforce disables the recall side effects (salience touch and
	// waypoint reinforcement). Used by read-only callers.
	SkipReinforce bool
}

// candidate accumulates per-memory evidence across the retrieval stages.
type candidate struct {
	sim     float64 // best cosine across sector hits
	hits    int     // sectors the memory matched in
	energy  float64 // spreading-activation energy
	link    float64 // strongest edge weight to another candidate
	direct  bool    // reached by vector search, not only by graph walk
	path    []string
	keyword float64
}

// Query runs the hybrid retrieval pipeline: per-sector vector search,
// spreading activation over the waypoint graph, composite scoring, and
// recall reinforcement on the returned memories.
//
// When embedding fails the pipeline degrades to keyword retrieval over
// recent memories instead of failing the call.
func (c *Client) Query(ctx context.Context, req *QueryRequest) ([]*QueryResult, error) {
	if req == nil || req.Query == "" {
		return nil, NewMemoryError("Query", fmt.Errorf("%w: empty query", ErrInvalidInput))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	if results, ok := c.cachedQuery(ctx, req, limit); ok {
		return results, nil
	}

	keywords := classifier.Keywords(req.Query, 8)
	sectors := c.querySectors(req)

	vecs, embErr := c.embedSectors(ctx, req.Query, sectors)
	if embErr != nil {
		c.logger.Warn("query embedding failed, using keyword fallback",
			zap.String("user_id", req.UserID), zap.Error(embErr))
	}

	cands := make(map[string]*candidate)
	if len(vecs) > 0 {
		if err := c.vectorCandidates(ctx, req, vecs, cands); err != nil {
			return nil, NewMemoryError("Query", err)
		}
		if err := c.spreadCandidates(ctx, req, cands); err != nil {
			return nil, NewMemoryError("Query", err)
		}
	}
	if len(cands) == 0 {
		if err := c.keywordCandidates(ctx, req.UserID, req.Query, cands); err != nil {
			return nil, NewMemoryError("Query", err)
		}
	}
	if len(cands) == 0 {
		return []*QueryResult{}, nil
	}

	results, err := c.scoreCandidates(ctx, req, cands, keywords, len(sectors))
	if err != nil {
		return nil, NewMemoryError("Query", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Memory.LastSeenAt != results[j].Memory.LastSeenAt {
			return results[i].Memory.LastSeenAt > results[j].Memory.LastSeenAt
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	if !req.SkipReinforce {
		c.reinforceRecall(ctx, req.UserID, results)
	}
	c.storeQueryCache(ctx, req, limit, results)
	c.bus.Publish(events.QueryExecuted, req.UserID, map[string]interface{}{
		"results":  len(results),
		"fallback": len(vecs) == 0,
	})
	return results, nil
}

// querySectors picks the sectors to search: the explicit request set, or
// every sector the rule classifier activates for the query text.
func (c *Client) querySectors(req *QueryRequest) []string {
	if len(req.Sectors) > 0 {
		out := make([]string, 0, len(req.Sectors))
		for _, s := range req.Sectors {
			if ValidSector(s) {
				out = append(out, string(s))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	result := c.rules.Classify(req.Query)
	out := make([]string, 0, len(result.Scores))
	for s := range result.Scores {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// vectorCandidates fans similarity search out across sectors and merges the
// hits. Each sector contributes at most MaxActive hits.
func (c *Client) vectorCandidates(ctx context.Context, req *QueryRequest, vecs map[string][]float32, cands map[string]*candidate) error {
	profile := c.cfg.Profile()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for sector, qv := range vecs {
		sector, qv := sector, qv
		g.Go(func() error {
			hits, err := c.vecs.SearchSimilar(gctx, sector, qv, profile.MaxActive, req.UserID, req.Filter)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorageOperation, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, h := range hits {
				cand, ok := cands[h.ID]
				if !ok {
					cand = &candidate{path: []string{h.ID}}
					cands[h.ID] = cand
				}
				cand.direct = true
				cand.hits++
				if h.Score > cand.sim {
					cand.sim = h.Score
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// spreadCandidates propagates activation from the direct hits over the
// waypoint graph. Edge weights between candidates feed the waypoint score;
// with Expand set, energised neighbours join the set as indirect candidates.
func (c *Client) spreadCandidates(ctx context.Context, req *QueryRequest, cands map[string]*candidate) error {
	if len(cands) == 0 {
		return nil
	}
	seedIDs := make([]string, 0, len(cands))
	seeds := make(map[string]float64, len(cands))
	for id, cand := range cands {
		seedIDs = append(seedIDs, id)
		seeds[id] = cand.sim
	}

	edges, err := c.meta.GetWaypointsTouching(ctx, seedIDs, req.UserID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageOperation, err)
	}
	if len(edges) == 0 {
		return nil
	}

	energy := graph.Spread(edges, seeds, c.cfg.Dynamics.GammaGraph, c.cfg.Dynamics.TauEnergy)
	for id, e := range energy {
		if cand, ok := cands[id]; ok {
			cand.energy = e
			continue
		}
		if e <= 0 || !req.Expand {
			continue
		}
		cands[id] = &candidate{
			energy: e,
			path:   neighbourPath(edges, seeds, id),
		}
	}

	// An edge joining two candidates earns both ends the waypoint boost,
	// whichever way they entered the set.
	for _, e := range edges {
		src, srcOK := cands[e.SrcID]
		dst, dstOK := cands[e.DstID]
		if !srcOK || !dstOK {
			continue
		}
		if e.Weight > src.link {
			src.link = e.Weight
		}
		if e.Weight > dst.link {
			dst.link = e.Weight
		}
	}
	return nil
}

// neighbourPath reconstructs a two-element path from the strongest seed
// edge into an indirectly activated memory.
func neighbourPath(edges []*storage.WaypointRow, seeds map[string]float64, id string) []string {
	best := ""
	bestW := -1.0
	for _, e := range edges {
		if e.DstID == id {
			if _, ok := seeds[e.SrcID]; ok && e.Weight > bestW {
				best, bestW = e.SrcID, e.Weight
			}
		}
		if e.SrcID == id {
			if _, ok := seeds[e.DstID]; ok && e.Weight > bestW {
				best, bestW = e.DstID, e.Weight
			}
		}
	}
	if best == "" {
		return []string{id}
	}
	return []string{best, id}
}

// keywordCandidates is the degraded path when no query vectors exist: token
// overlap against the tenant's recent memories.
func (c *Client) keywordCandidates(ctx context.Context, userID, query string, cands map[string]*candidate) error {
	rows, err := c.meta.ListMemories(ctx, userID, keywordScanLimit, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageOperation, err)
	}
	queryTokens := simhash.Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	qset := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		qset[t] = true
	}

	for _, row := range rows {
		plain, err := c.plaintext(row)
		if err != nil {
			return err
		}
		matched := 0
		for _, t := range simhash.Tokenize(plain) {
			if qset[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		cands[row.ID] = &candidate{
			keyword: float64(matched) / float64(len(qset)),
			direct:  true,
			path:    []string{row.ID},
		}
	}
	return nil
}

// scoreCandidates hydrates the candidates and computes the composite score.
func (c *Client) scoreCandidates(ctx context.Context, req *QueryRequest, cands map[string]*candidate, keywords []string, sectorCount int) ([]*QueryResult, error) {
	ids := make([]string, 0, len(cands))
	for id := range cands {
		ids = append(ids, id)
	}
	rows, err := c.meta.GetMemoriesByIDs(ctx, ids, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageOperation, err)
	}

	now := NowMillis(c.clock)
	w := c.cfg.Weights
	tau := w.RecencyTauDays
	if tau <= 0 {
		tau = defaultRecencyTauDays
	}
	hints := req.TagHints
	if len(hints) == 0 {
		hints = keywords
	}
	hintset := make(map[string]bool, len(hints))
	for _, h := range hints {
		hintset[h] = true
	}

	results := make([]*QueryResult, 0, len(rows))
	for _, row := range rows {
		cand := cands[row.ID]
		if cand == nil {
			continue
		}
		mem, err := c.hydrate(row)
		if err != nil {
			return nil, err
		}

		overlap := 0.0
		if sectorCount > 1 && cand.hits > 1 {
			overlap = float64(cand.hits-1) / float64(sectorCount-1)
		}
		days := float64(now-row.LastSeenAt) / float64(24*time.Hour.Milliseconds())
		if days < 0 {
			days = 0
		}
		recency := math.Exp(-days / tau)

		tagScore := 0.0
		if len(mem.Tags) > 0 && len(hintset) > 0 {
			matched := 0
			for _, t := range mem.Tags {
				if hintset[t] {
					matched++
				}
			}
			tagScore = float64(matched) / float64(len(hintset))
		}

		waypoint := cand.link
		if !cand.direct && cand.energy > waypoint {
			waypoint = cand.energy
		}

		score := w.Similarity*cand.sim +
			w.Overlap*overlap +
			w.Waypoint*waypoint +
			w.Recency*recency +
			w.TagMatch*tagScore +
			w.Salience*row.Salience +
			w.Keyword*cand.keyword

		if score < req.MinScore {
			continue
		}
		results = append(results, &QueryResult{
			Memory:     mem,
			Score:      score,
			Similarity: cand.sim,
			Path:       cand.path,
		})
	}
	return results, nil
}

// reinforceRecall applies the recall side effects to the returned set:
// salience touch per memory and waypoint reinforcement across the co-recalled
// pairs. Failures are logged, never surfaced to the caller.
func (c *Client) reinforceRecall(ctx context.Context, userID string, results []*QueryResult) {
	if len(results) == 0 {
		return
	}
	now := NowMillis(c.clock)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Memory.ID)
		boost := c.recallBoost(r.Memory.PrimarySector)
		if err := c.meta.TouchMemory(ctx, r.Memory.ID, now, boost, c.cfg.Reinforcement.MaxSalience); err != nil {
			c.logger.Warn("recall touch failed",
				zap.String("memory_id", r.Memory.ID), zap.Error(err))
		}
	}
	if len(ids) > 1 {
		if err := c.waypoints.ReinforceCoRecall(ctx, ids, c.cfg.Reinforcement.WaypointBoost); err != nil {
			c.logger.Warn("co-recall reinforcement failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// cachedResult is the serialised form held in the TTL cache.
type cachedResult struct {
	ID         string   `json:"id"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
	Path       []string `json:"path,omitempty"`
}

func queryCacheKey(req *QueryRequest, limit int) string {
	return fmt.Sprintf("q:%s:%s:%d", req.UserID, simhash.HashHex(req.Query), limit)
}

// cachedQuery serves a recent identical query from the TTL cache. Cache
// serves are read-only: no reinforcement, no query event.
func (c *Client) cachedQuery(ctx context.Context, req *QueryRequest, limit int) ([]*QueryResult, bool) {
	if c.kv == nil || len(req.Filter) > 0 || len(req.Sectors) > 0 ||
		len(req.TagHints) > 0 || req.Expand {
		return nil, false
	}
	raw, err := c.kv.Get(ctx, queryCacheKey(req, limit))
	if err != nil {
		return nil, false
	}
	var cached []cachedResult
	if json.Unmarshal([]byte(raw), &cached) != nil || len(cached) == 0 {
		return nil, false
	}

	ids := make([]string, 0, len(cached))
	for _, cr := range cached {
		ids = append(ids, cr.ID)
	}
	rows, err := c.meta.GetMemoriesByIDs(ctx, ids, req.UserID)
	if err != nil {
		return nil, false
	}
	byID := make(map[string]*storage.MemoryRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	results := make([]*QueryResult, 0, len(cached))
	for _, cr := range cached {
		row, ok := byID[cr.ID]
		if !ok {
			continue
		}
		mem, err := c.hydrate(row)
		if err != nil {
			return nil, false
		}
		results = append(results, &QueryResult{
			Memory:     mem,
			Score:      cr.Score,
			Similarity: cr.Similarity,
			Path:       cr.Path,
		})
	}
	return results, true
}

func (c *Client) storeQueryCache(ctx context.Context, req *QueryRequest, limit int, results []*QueryResult) {
	if c.kv == nil || len(req.Filter) > 0 || len(req.Sectors) > 0 ||
		len(req.TagHints) > 0 || req.Expand || len(results) == 0 {
		return
	}
	cached := make([]cachedResult, 0, len(results))
	for _, r := range results {
		cached = append(cached, cachedResult{
			ID:         r.Memory.ID,
			Score:      r.Score,
			Similarity: r.Similarity,
			Path:       r.Path,
		})
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, queryCacheKey(req, limit), string(raw), queryCacheTTL); err != nil {
		c.logger.Debug("query cache store failed", zap.Error(err))
	}
}
