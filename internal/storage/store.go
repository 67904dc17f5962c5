package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/you/lexbatch/internal/domain"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the durable record store (source of truth for document content).
type Store struct{ db DB }

func New(db DB) *Store { return &Store{db} }

type Document struct {
	ID            string
	ProjectID     *string
	BatchID       string
	Filename      string
	Location      string
	SizeMB        float64
	ContentHash   string
	MimeType      string
	Status        string
	OCRText       *string
	OCRConfidence *float64
	Error         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Chunk struct {
	ID          string
	DocumentID  string
	Index       int
	Text        string
	StartOffset int
	EndOffset   int
}

type Mention struct {
	ID         string
	DocumentID string
	ChunkID    string
	Text       string
	Type       string
	Confidence float64
}

type Entity struct {
	ID           string
	DocumentID   string
	Name         string
	Type         string
	MentionCount int
}

type Relationship struct {
	ID             string
	DocumentID     string
	SourceEntityID string
	TargetEntityID string
	Type           string
	Weight         int
}

type Counts struct {
	Chunks        int `json:"chunks"`
	Mentions      int `json:"mentions"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// EnsureProject returns the id of the project with ref, creating it if needed.
func (s *Store) EnsureProject(ctx context.Context, ref string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `insert into projects(id, ref) values ($1, $2)
on conflict (ref) do update set ref = excluded.ref
returning id`, uuid.NewString(), ref).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure project %s: %w", ref, err)
	}
	return id, nil
}

// CreateDocument persists the document row. Re-submitting the same id (e.g. a
// recovery run) moves it to the new batch and resets its status.
func (s *Store) CreateDocument(ctx context.Context, d domain.DocumentDescriptor, batchID string, projectID *string) error {
	_, err := s.db.Exec(ctx, `insert into documents(
id, project_id, batch_id, filename, location, size_mb, content_hash, mime_type, status
) values ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
on conflict (id) do update set batch_id = excluded.batch_id, status = 'pending', error = null, updated_at = now()`,
		d.ID, projectID, batchID, d.Filename, d.Location(), d.SizeMB, d.ContentHash, d.MimeType,
	)
	if err != nil {
		return fmt.Errorf("create document %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.QueryRow(ctx, `select id, project_id, batch_id, filename, location, size_mb, content_hash,
mime_type, status, ocr_text, ocr_confidence, error, created_at, updated_at
from documents where id = $1`, id).Scan(
		&d.ID, &d.ProjectID, &d.BatchID, &d.Filename, &d.Location, &d.SizeMB, &d.ContentHash,
		&d.MimeType, &d.Status, &d.OCRText, &d.OCRConfidence, &d.Error, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &d, nil
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string, errMsg *string) error {
	tag, err := s.db.Exec(ctx, `update documents set status = $2, error = $3, updated_at = now() where id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) SaveOCRText(ctx context.Context, id, text string, confidence float64) error {
	tag, err := s.db.Exec(ctx, `update documents set ocr_text = $2, ocr_confidence = $3, updated_at = now() where id = $1`, id, text, confidence)
	if err != nil {
		return fmt.Errorf("save ocr text %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// replace runs del then inserts every row in one transaction so a re-run stage
// never leaves duplicates behind.
func (s *Store) replace(ctx context.Context, del string, docID string, n int, insert string, args func(i int) []any) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, del, docID); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := tx.Exec(ctx, insert, args(i)...); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []Chunk) error {
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.NewString()
		}
		chunks[i].DocumentID = docID
	}
	err := s.replace(ctx, `delete from chunks where document_id = $1`, docID, len(chunks),
		`insert into chunks(id, document_id, chunk_index, text, start_offset, end_offset) values ($1,$2,$3,$4,$5,$6)`,
		func(i int) []any {
			c := chunks[i]
			return []any{c.ID, docID, c.Index, c.Text, c.StartOffset, c.EndOffset}
		})
	if err != nil {
		return fmt.Errorf("replace chunks %s: %w", docID, err)
	}
	return nil
}

func (s *Store) ListChunks(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `select id, document_id, chunk_index, text, start_offset, end_offset
from chunks where document_id = $1 order by chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", docID, err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.StartOffset, &c.EndOffset); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceMentions(ctx context.Context, docID string, mentions []Mention) error {
	for i := range mentions {
		if mentions[i].ID == "" {
			mentions[i].ID = uuid.NewString()
		}
		mentions[i].DocumentID = docID
	}
	err := s.replace(ctx, `delete from entity_mentions where document_id = $1`, docID, len(mentions),
		`insert into entity_mentions(id, document_id, chunk_id, text, entity_type, confidence) values ($1,$2,$3,$4,$5,$6)`,
		func(i int) []any {
			m := mentions[i]
			return []any{m.ID, docID, m.ChunkID, m.Text, m.Type, m.Confidence}
		})
	if err != nil {
		return fmt.Errorf("replace mentions %s: %w", docID, err)
	}
	return nil
}

func (s *Store) ListMentions(ctx context.Context, docID string) ([]Mention, error) {
	rows, err := s.db.Query(ctx, `select id, document_id, chunk_id, text, entity_type, confidence
from entity_mentions where document_id = $1 order by id`, docID)
	if err != nil {
		return nil, fmt.Errorf("list mentions %s: %w", docID, err)
	}
	defer rows.Close()
	var out []Mention
	for rows.Next() {
		var m Mention
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkID, &m.Text, &m.Type, &m.Confidence); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceEntities also clears relationships, which reference the old entities.
func (s *Store) ReplaceEntities(ctx context.Context, docID string, entities []Entity) error {
	for i := range entities {
		if entities[i].ID == "" {
			entities[i].ID = uuid.NewString()
		}
		entities[i].DocumentID = docID
	}
	err := s.replace(ctx, `delete from canonical_entities where document_id = $1`, docID, len(entities),
		`insert into canonical_entities(id, document_id, name, entity_type, mention_count) values ($1,$2,$3,$4,$5)`,
		func(i int) []any {
			e := entities[i]
			return []any{e.ID, docID, e.Name, e.Type, e.MentionCount}
		})
	if err != nil {
		return fmt.Errorf("replace entities %s: %w", docID, err)
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context, docID string) ([]Entity, error) {
	rows, err := s.db.Query(ctx, `select id, document_id, name, entity_type, mention_count
from canonical_entities where document_id = $1 order by name`, docID)
	if err != nil {
		return nil, fmt.Errorf("list entities %s: %w", docID, err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Name, &e.Type, &e.MentionCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceRelationships(ctx context.Context, docID string, rels []Relationship) error {
	for i := range rels {
		if rels[i].ID == "" {
			rels[i].ID = uuid.NewString()
		}
		rels[i].DocumentID = docID
	}
	err := s.replace(ctx, `delete from relationships where document_id = $1`, docID, len(rels),
		`insert into relationships(id, document_id, source_entity_id, target_entity_id, relationship_type, weight) values ($1,$2,$3,$4,$5,$6)`,
		func(i int) []any {
			rl := rels[i]
			return []any{rl.ID, docID, rl.SourceEntityID, rl.TargetEntityID, rl.Type, rl.Weight}
		})
	if err != nil {
		return fmt.Errorf("replace relationships %s: %w", docID, err)
	}
	return nil
}

// CountsFor returns per-table row counts for one document, used to verify a run.
func (s *Store) CountsFor(ctx context.Context, docID string) (Counts, error) {
	var c Counts
	err := s.db.QueryRow(ctx, `select
(select count(*) from chunks where document_id = $1),
(select count(*) from entity_mentions where document_id = $1),
(select count(*) from canonical_entities where document_id = $1),
(select count(*) from relationships where document_id = $1)`, docID).Scan(&c.Chunks, &c.Mentions, &c.Entities, &c.Relationships)
	if err != nil {
		return c, fmt.Errorf("counts %s: %w", docID, err)
	}
	return c, nil
}

// CountByStatus tallies document rows of a batch by status.
func (s *Store) CountByStatus(ctx context.Context, batchID string) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from documents where batch_id = $1 group by status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count documents %s: %w", batchID, err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
