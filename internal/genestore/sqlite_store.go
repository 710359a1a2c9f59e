// Package genestore indexes a view's gene table in an in-memory SQLite
// database for lookups by name, prefix and filter group.
package genestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/slippy-genome/server/internal/genetable"
)

// ErrUnknownGroup is returned when a filter group has no genes.
var ErrUnknownGroup = errors.New("unknown gene group")

// Store holds genes for the lifetime of a view. Nothing is written to disk.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates an empty in-memory store.
func NewStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS genes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		start_tile TEXT NOT NULL,
		end_tile TEXT NOT NULL,
		urls TEXT NOT NULL DEFAULT '',
		groups_text TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS gene_groups (
		gene TEXT NOT NULL,
		grp TEXT NOT NULL,
		PRIMARY KEY (gene, grp)
	);

	CREATE INDEX IF NOT EXISTS idx_gene_groups_grp ON gene_groups(grp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds genes, replacing rows with the same name.
func (s *Store) Insert(ctx context.Context, genes []genetable.Gene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	geneStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO genes (name, start_tile, end_tile, urls, groups_text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			start_tile = excluded.start_tile,
			end_tile = excluded.end_tile,
			urls = excluded.urls,
			groups_text = excluded.groups_text
	`)
	if err != nil {
		return err
	}
	defer geneStmt.Close()

	groupStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO gene_groups (gene, grp) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer groupStmt.Close()

	for _, g := range genes {
		if g.Name == "" {
			continue
		}
		if _, err := geneStmt.ExecContext(ctx, g.Name, g.StartTile, g.EndTile, g.URLs, g.Groups); err != nil {
			return fmt.Errorf("failed to insert gene %s: %w", g.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM gene_groups WHERE gene = ?`, g.Name); err != nil {
			return err
		}
		for _, grp := range g.GroupNames() {
			if _, err := groupStmt.ExecContext(ctx, g.Name, grp); err != nil {
				return fmt.Errorf("failed to insert group %s for %s: %w", grp, g.Name, err)
			}
		}
	}

	return tx.Commit()
}

// Get returns the gene with the given name.
func (s *Store) Get(ctx context.Context, name string) (genetable.Gene, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, start_tile, end_tile, urls, groups_text FROM genes WHERE name = ?
	`, name)

	var g genetable.Gene
	err := row.Scan(&g.Name, &g.StartTile, &g.EndTile, &g.URLs, &g.Groups)
	if err == sql.ErrNoRows {
		return genetable.Gene{}, false, nil
	}
	if err != nil {
		return genetable.Gene{}, false, err
	}
	return g, true, nil
}

// ByGroup returns the genes of a filter group in table order.
func (s *Store) ByGroup(ctx context.Context, group string) ([]genetable.Gene, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, fmt.Errorf("%w: empty group name", ErrUnknownGroup)
	}
	genes, err := s.query(ctx, `
		SELECT g.name, g.start_tile, g.end_tile, g.urls, g.groups_text
		FROM genes g JOIN gene_groups gg ON gg.gene = g.name
		WHERE gg.grp = ?
		ORDER BY g.seq
	`, group)
	if err != nil {
		return nil, err
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return genes, nil
}

// Search returns up to limit genes whose name starts with prefix.
func (s *Store) Search(ctx context.Context, prefix string, limit int) ([]genetable.Gene, error) {
	if limit <= 0 {
		limit = 50
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return s.query(ctx, `
		SELECT name, start_tile, end_tile, urls, groups_text
		FROM genes WHERE name LIKE ? ESCAPE '\'
		ORDER BY name LIMIT ?
	`, escaped+"%", limit)
}

// Groups returns every filter group with its gene count.
func (s *Store) Groups(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT grp, COUNT(*) FROM gene_groups GROUP BY grp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var grp string
		var n int
		if err := rows.Scan(&grp, &n); err != nil {
			return nil, err
		}
		out[grp] = n
	}
	return out, rows.Err()
}

// Count returns the number of stored genes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM genes`).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]genetable.Gene, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []genetable.Gene
	for rows.Next() {
		var g genetable.Gene
		if err := rows.Scan(&g.Name, &g.StartTile, &g.EndTile, &g.URLs, &g.Groups); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
