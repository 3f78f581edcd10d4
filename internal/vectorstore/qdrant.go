package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantCollection is a Collection backed by a Qdrant server. Qdrant
// only accepts UUID or positive-integer point IDs, so a non-UUID id is
// rewritten to a deterministic UUID and the original id is carried in
// the payload so Get/Query can hand it back unchanged.
type QdrantCollection struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

const qdrantOriginalIDField = "_original_id"

// NewQdrantCollection connects to a Qdrant server at dsn (its gRPC
// endpoint, default port 6334) and ensures collection exists with the
// given vector dimension, creating it with cosine distance if absent.
func NewQdrantCollection(ctx context.Context, dsn, collection string, dimension int) (*QdrantCollection, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be > 0")
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
		}
	}

	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	q := &QdrantCollection{client: client, collection: collection, dimension: dimension}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return q, nil
}

func (q *QdrantCollection) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Add implements Collection.
func (q *QdrantCollection) Add(ctx context.Context, id string, embedding []float32, document string, metadata map[string]string) error {
	uuidStr := id
	if _, err := uuid.Parse(id); err != nil {
		uuidStr = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}

	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["document"] = document
	if uuidStr != id {
		payload[qdrantOriginalIDField] = id
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(uuidStr),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payload),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	return err
}

// Query implements Collection.
func (q *QdrantCollection) Query(ctx context.Context, embedding []float32, n int) ([]QueryResult, error) {
	if n <= 0 {
		n = 10
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	limit := uint64(n)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0, len(hits))
	for _, hit := range hits {
		id, doc, meta := unpackPayload(hit.Id, hit.Payload)
		results = append(results, QueryResult{
			ID:       id,
			Document: doc,
			Metadata: meta,
			Distance: 1 - float64(hit.Score),
		})
	}
	return results, nil
}

// Get implements Collection.
func (q *QdrantCollection) Get(ctx context.Context) ([]Record, error) {
	var records []Record
	var offset *qdrant.PointId
	for {
		resp, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			break
		}
		for _, p := range resp {
			id, doc, meta := unpackPayload(p.Id, p.Payload)
			records = append(records, Record{
				ID:        id,
				Embedding: p.GetVectors().GetVector().GetData(),
				Document:  doc,
				Metadata:  meta,
			})
		}
		if len(resp) < 100 {
			break
		}
		offset = resp[len(resp)-1].Id
	}
	return records, nil
}

// Persist implements Collection. Qdrant commits on every write, so
// there is nothing buffered to flush here.
func (q *QdrantCollection) Persist(ctx context.Context) error {
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantCollection) Close() error {
	return q.client.Close()
}

func unpackPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) (resolvedID, document string, metadata map[string]string) {
	uuidStr := id.GetUuid()
	if uuidStr == "" {
		uuidStr = id.String()
	}
	metadata = make(map[string]string)
	originalID := ""
	for k, v := range payload {
		switch k {
		case qdrantOriginalIDField:
			originalID = v.GetStringValue()
		case "document":
			document = v.GetStringValue()
		default:
			metadata[k] = v.GetStringValue()
		}
	}
	resolvedID = originalID
	if resolvedID == "" {
		resolvedID = uuidStr
	}
	return resolvedID, document, metadata
}
