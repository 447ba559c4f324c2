package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic
// vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Store wraps the Postgres corpus: document metadata for the structured
// filter path and pgvector embeddings for the similarity path. It implements
// retrieval.MetadataStore and retrieval.VectorIndex.
type Store struct {
	DB *sql.DB
}

// DocumentRecord is one corpus document as persisted.
type DocumentRecord struct {
	ID              string
	Title           string
	Content         string
	DocType         string
	Category        string
	Region          string
	TenantProtected bool
	EffectiveDate   time.Time
	CreatedAt       time.Time
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// filterColumns whitelists metadata fields that may appear in a structured
// filter; anything else is rejected rather than interpolated.
var filterColumns = map[string]string{
	"doc_type":         "doc_type",
	"category":         "category",
	"region":           "region",
	"tenant_protected": "tenant_protected",
}

// FilterSearch runs the structured path: exact-match narrowing on whitelisted
// metadata columns, with an optional keyword restriction on title/content.
// Structured matches carry a flat score of 1.0; precision comes from the
// filters, recency breaks ties.
func (s *Store) FilterSearch(ctx context.Context, query string, filters map[string]string, limit int) ([]retrieval.Result, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		where []string
		args  []interface{}
	)
	for key, val := range filters {
		col, ok := filterColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported filter field: %s", key)
		}
		if col == "tenant_protected" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", key, err)
			}
			args = append(args, b)
		} else {
			args = append(args, val)
		}
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q := strings.TrimSpace(query); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR content ILIKE $%d)", len(args), len(args)))
	}
	if len(where) == 0 {
		return nil, nil
	}

	args = append(args, limit)
	sqlStr := fmt.Sprintf(`
SELECT id, title, content, doc_type, category, region, tenant_protected, effective_date
FROM documents
WHERE %s
ORDER BY effective_date DESC, id
LIMIT $%d
`, strings.Join(where, " AND "), len(args))

	rows, err := s.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("filter search: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Result
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.DocType, &rec.Category, &rec.Region, &rec.TenantProtected, &rec.EffectiveDate); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, retrieval.Result{
			ID:             rec.ID,
			Title:          rec.Title,
			Text:           rec.Content,
			RelevanceScore: 1.0,
			SourceMetadata: rec.metadata(),
		})
	}
	return out, rows.Err()
}

// Search runs the vector path against pgvector, converting cosine distance to
// a similarity score (higher is better).
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]retrieval.VectorHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.title, d.content, d.doc_type, d.category, d.region, d.tenant_protected, d.effective_date,
       e.embedding <=> $1::vector AS distance
FROM document_embeddings e
JOIN documents d ON d.id = e.doc_id
ORDER BY distance ASC, d.id
LIMIT $2
`, vecLiteral, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []retrieval.VectorHit
	for rows.Next() {
		var rec DocumentRecord
		var distance float64
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.DocType, &rec.Category, &rec.Region, &rec.TenantProtected, &rec.EffectiveDate, &distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		out = append(out, retrieval.VectorHit{
			ID:       rec.ID,
			Score:    1 - distance,
			Title:    rec.Title,
			Text:     rec.Content,
			Metadata: rec.metadata(),
		})
	}
	return out, rows.Err()
}

// UpsertDocument stores or replaces a corpus document. The ingestion pipeline
// is an external collaborator; this is the narrow contract it calls through.
func (s *Store) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("document id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO documents (id, title, content, doc_type, category, region, tenant_protected, effective_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  content = EXCLUDED.content,
  doc_type = EXCLUDED.doc_type,
  category = EXCLUDED.category,
  region = EXCLUDED.region,
  tenant_protected = EXCLUDED.tenant_protected,
  effective_date = EXCLUDED.effective_date
`, rec.ID, rec.Title, rec.Content, rec.DocType, rec.Category, rec.Region, rec.TenantProtected, rec.EffectiveDate)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// UpsertEmbedding stores or updates the semantic vector for a document.
func (s *Store) UpsertEmbedding(ctx context.Context, docID string, vector []float32) error {
	if docID == "" {
		return fmt.Errorf("doc_id required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector required")
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO document_embeddings (doc_id, embedding, created_at)
VALUES ($1,$2::vector,NOW())
ON CONFLICT (doc_id) DO UPDATE SET
  embedding = EXCLUDED.embedding,
  created_at = NOW()
`, docID, vecLiteral)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

func (r DocumentRecord) metadata() map[string]string {
	return map[string]string{
		"doc_type":         r.DocType,
		"category":         r.Category,
		"region":           r.Region,
		"tenant_protected": strconv.FormatBool(r.TenantProtected),
		"effective_date":   r.EffectiveDate.Format("2006-01-02"),
	}
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]", nil
}
