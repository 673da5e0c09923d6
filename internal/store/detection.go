package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Detection is one completed pattern in the history.
type Detection struct {
	ID          string        `json:"id"`
	Pattern     string        `json:"pattern"`
	DisplayName string        `json:"display_name,omitempty"`
	Sequence    []string      `json:"sequence"`
	Elapsed     time.Duration `json:"-"`
	Mode        string        `json:"mode"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// MarshalJSON writes Elapsed as elapsed_ms.
func (d Detection) MarshalJSON() ([]byte, error) {
	type plain Detection
	return json.Marshal(struct {
		plain
		ElapsedMs int64 `json:"elapsed_ms"`
	}{plain(d), d.Elapsed.Milliseconds()})
}

// DetectionRepository records and lists detection history.
type DetectionRepository struct {
	db *sql.DB
}

// Detections returns the detection repository for this store.
func (s *Store) Detections() *DetectionRepository {
	return &DetectionRepository{db: s.db}
}

// Create stores a detection, assigning an ID when empty.
func (r *DetectionRepository) Create(d *Detection) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now()
	}

	seq, err := json.Marshal(d.Sequence)
	if err != nil {
		return fmt.Errorf("encode sequence: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO detections (id, pattern, display_name, sequence, elapsed_ms, mode, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Pattern, d.DisplayName, string(seq), d.Elapsed.Milliseconds(), d.Mode, d.DetectedAt,
	)
	return err
}

// GetByID retrieves one detection.
func (r *DetectionRepository) GetByID(id string) (*Detection, error) {
	row := r.db.QueryRow(
		`SELECT id, pattern, display_name, sequence, elapsed_ms, mode, detected_at
		 FROM detections WHERE id = ?`, id)

	d, err := scanDetection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns the most recent detections first. limit <= 0 returns all.
func (r *DetectionRepository) List(limit int) ([]*Detection, error) {
	q := `SELECT id, pattern, display_name, sequence, elapsed_ms, mode, detected_at
		 FROM detections ORDER BY detected_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByPattern returns how many times each pattern was completed.
func (r *DetectionRepository) CountByPattern() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT pattern, COUNT(*) FROM detections GROUP BY pattern`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(s scanner) (*Detection, error) {
	d := &Detection{}
	var seq string
	var elapsedMs int64
	if err := s.Scan(&d.ID, &d.Pattern, &d.DisplayName, &seq, &elapsedMs, &d.Mode, &d.DetectedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(seq), &d.Sequence); err != nil {
		return nil, fmt.Errorf("decode sequence of %s: %w", d.ID, err)
	}
	d.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return d, nil
}
