// ABOUTME: Canonical artifact tables: chunks, images, links, and embedding vectors.
// ABOUTME: The storage stage writes these from queue rows; cleanup deletes per-document for re-runs.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Chunk is one text chunk of a document.
type Chunk struct {
	ID         string `json:"id,omitempty"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Page       int    `json:"page"`
	Section    string `json:"section"`
	TokenCount int    `json:"token_count"`
}

// Image is one extracted page image, stored by object key.
type Image struct {
	ID         string `json:"id,omitempty"`
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	ObjectKey  string `json:"object_key"`
	Caption    string `json:"caption"`
	OCRText    string `json:"ocr_text"`
}

// Link is one extracted URL, optionally enriched with video metadata.
type Link struct {
	ID         string            `json:"id,omitempty"`
	DocumentID string            `json:"document_id"`
	URL        string            `json:"url"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	VideoMeta  map[string]string `json:"video_meta,omitempty"`
}

// Embedding is one chunk's embedding vector.
type Embedding struct {
	ChunkID    string
	DocumentID string
	Model      string
	Vector     []float32
}

// InsertChunk writes one chunk row. The row id is assigned when empty.
func (s *Store) InsertChunk(ctx context.Context, c *Chunk) error {
	if c.ID == "" {
		c.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, document_id, idx, text, page, section, token_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, idx) DO UPDATE SET
			text = excluded.text,
			page = excluded.page,
			section = excluded.section,
			token_count = excluded.token_count`,
		c.ID, c.DocumentID, c.Index, c.Text, c.Page, c.Section, c.TokenCount)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in index order.
func (s *Store) ListChunks(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, idx, text, page, section, token_count
		 FROM chunks WHERE document_id = ? ORDER BY idx`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.Page, &c.Section, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// DeleteChunks removes every chunk of a document.
func (s *Store) DeleteChunks(ctx context.Context, documentID string) error {
	return s.deleteByDocument(ctx, "chunks", documentID)
}

// InsertImage writes one image row. The row id is assigned when empty.
func (s *Store) InsertImage(ctx context.Context, img *Image) error {
	if img.ID == "" {
		img.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (id, document_id, page, object_key, caption, ocr_text)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		img.ID, img.DocumentID, img.Page, img.ObjectKey, img.Caption, img.OCRText)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// DeleteImages removes every image row of a document.
func (s *Store) DeleteImages(ctx context.Context, documentID string) error {
	return s.deleteByDocument(ctx, "images", documentID)
}

// InsertLink writes one link row. The row id is assigned when empty.
func (s *Store) InsertLink(ctx context.Context, l *Link) error {
	if l.ID == "" {
		l.ID = s.newID()
	}
	meta := "{}"
	if len(l.VideoMeta) > 0 {
		encoded, err := json.Marshal(l.VideoMeta)
		if err != nil {
			return fmt.Errorf("encode video metadata: %w", err)
		}
		meta = string(encoded)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO links (id, document_id, url, kind, title, video_meta)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.DocumentID, l.URL, l.Kind, l.Title, meta)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// DeleteLinks removes every link row of a document.
func (s *Store) DeleteLinks(ctx context.Context, documentID string) error {
	return s.deleteByDocument(ctx, "links", documentID)
}

// UpsertEmbedding writes one chunk's embedding vector.
func (s *Store) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (chunk_id, document_id, model, dims, vector)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET
			model = excluded.model,
			dims = excluded.dims,
			vector = excluded.vector`,
		e.ChunkID, e.DocumentID, e.Model, len(e.Vector), encodeVector(e.Vector))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// CountEmbeddings returns how many chunks of a document have vectors.
func (s *Store) CountEmbeddings(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM embeddings WHERE document_id = ?", documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// DeleteEmbeddings removes every embedding of a document.
func (s *Store) DeleteEmbeddings(ctx context.Context, documentID string) error {
	return s.deleteByDocument(ctx, "embeddings", documentID)
}

func (s *Store) deleteByDocument(ctx context.Context, table, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE document_id = ?", table), documentID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// encodeVector packs float32 values little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a BLOB back into float32 values.
func DecodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
