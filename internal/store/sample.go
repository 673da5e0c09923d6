package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Sample is a labelled feature vector recorded for training.
type Sample struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	Features  []float64 `json:"features"`
	CreatedAt time.Time `json:"created_at"`
}

// LabelCount is the number of samples stored for one label.
type LabelCount struct {
	Label   string `json:"label"`
	Samples int    `json:"samples"`
}

// SampleRepository provides CRUD operations for training samples.
type SampleRepository struct {
	db *sql.DB
}

// Samples returns the sample repository for this store.
func (s *Store) Samples() *SampleRepository {
	return &SampleRepository{db: s.db}
}

// Create inserts samples for a label in a single transaction and returns the
// number written.
func (r *SampleRepository) Create(label string, vectors [][]float64) (int, error) {
	if label == "" {
		return 0, fmt.Errorf("sample label is required")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO samples (label, features, size, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	for i, v := range vectors {
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("encode sample %d: %w", i, err)
		}
		if _, err := stmt.Exec(label, string(data), len(v), now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(vectors), nil
}

// List returns every sample, ordered by label then insertion.
func (r *SampleRepository) List() ([]Sample, error) {
	return r.query(`SELECT id, label, features, created_at FROM samples ORDER BY label, id`)
}

// GetByLabel returns the samples of one label in insertion order.
func (r *SampleRepository) GetByLabel(label string) ([]Sample, error) {
	return r.query(`SELECT id, label, features, created_at FROM samples WHERE label = ? ORDER BY id`, label)
}

func (r *SampleRepository) query(q string, args ...any) ([]Sample, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var data string
		if err := rows.Scan(&s.ID, &s.Label, &data, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &s.Features); err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", s.ID, err)
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// Labels returns the per-label sample counts, sorted by label.
func (r *SampleRepository) Labels() ([]LabelCount, error) {
	rows, err := r.db.Query(`SELECT label, COUNT(*) FROM samples GROUP BY label ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Samples); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteByLabel removes every sample of a label. It returns ErrNotFound when
// the label has no samples.
func (r *SampleRepository) DeleteByLabel(label string) error {
	result, err := r.db.Exec(`DELETE FROM samples WHERE label = ?`, label)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
