package search

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxRequests = "authorization_requests"
	// indexBatch caps documents per AddDocuments call during a reindex.
	indexBatch = 500
)

var (
	searchableAttributes = []string{"clientName", "clientEmail", "vehicleBrand", "vehicleModel", "agencyName", "dealerName", "promoterCode", "id"}
	filterableAttributes = []string{"status", "priority", "assignedTo"}
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
	stop    sync.Once
	every   time.Duration
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop keeps probing it.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	return newMeili(url, apiKey, logger, 10*time.Second)
}

func newMeili(url, apiKey string, logger zerolog.Logger, every time.Duration) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    logger.With().Str("component", "meilisearch").Logger(),
		done:   make(chan struct{}),
		every:  every,
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRequests,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxRequests)
	filterableInterface := make([]interface{}, len(filterableAttributes))
	for i, v := range filterableAttributes {
		filterableInterface[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := append([]string(nil), searchableAttributes...)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Meili) probe() {
	_, err := m.client.Health()
	was := m.healthy.Swap(err == nil)
	switch {
	case err == nil && !was:
		m.log.Info().Msg("meilisearch recovered, reconfiguring index")
		m.configureIndex()
	case err != nil && was:
		m.log.Warn().Err(err).Msg("meilisearch became unavailable")
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.stop.Do(func() { close(m.done) })
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// SearchIDs returns the ids of matching requests in relevance order.
func (m *Meili) SearchIDs(term string, limit int) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 100
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:             idxRequests,
			Query:                term,
			Limit:                int64(limit),
			AttributesToRetrieve: []string{"id"},
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	ids := make([]string, 0)
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			if id := decodeString(hit, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexRequest adds or updates a request in the search index.
func (m *Meili) IndexRequest(rec RequestRecord) error {
	_, err := m.client.Index(idxRequests).AddDocuments([]RequestRecord{rec}, nil)
	return err
}

// IndexRequests bulk-indexes requests in batches.
func (m *Meili) IndexRequests(recs []RequestRecord) error {
	for start := 0; start < len(recs); start += indexBatch {
		end := start + indexBatch
		if end > len(recs) {
			end = len(recs)
		}
		if _, err := m.client.Index(idxRequests).AddDocuments(recs[start:end], nil); err != nil {
			return fmt.Errorf("index batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}
