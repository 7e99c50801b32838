// Package engine provides an in-process map engine: a Web Mercator view with
// hit testing, highlighting and overlays over a SQLite feature store.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/shapeview/internal/adapters/geometry"
	"github.com/jobrunner/shapeview/internal/domain"
)

const driverName = "sqlite3_shapeview"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA journal_mode = MEMORY", nil)
			return err
		},
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS features (
	fid        INTEGER PRIMARY KEY,
	layer      TEXT    NOT NULL,
	oid        INTEGER NOT NULL,
	geometry   BLOB    NOT NULL,
	attributes TEXT    NOT NULL,
	UNIQUE (layer, oid)
);
CREATE VIRTUAL TABLE IF NOT EXISTS features_rtree USING rtree(id, minx, maxx, miny, maxy);
`

// Store keeps features of all layers in an in-memory SQLite database with an
// R-tree index on their bounding boxes. Geometries are stored as WKB in the
// view's spatial reference.
type Store struct {
	db *sql.DB
}

// storedFeature is a feature row before attribute typing.
type storedFeature struct {
	oid        domain.ObjectID
	geometry   *domain.Geometry
	attributes map[string]interface{}
}

// OpenStore creates an empty feature store.
func OpenStore(ctx context.Context) (*Store, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// insert adds the features of a layer in one transaction.
func (s *Store) insert(ctx context.Context, layer string, features []domain.Feature) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	featStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO features (layer, oid, geometry, attributes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer featStmt.Close()

	idxStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO features_rtree (id, minx, maxx, miny, maxy) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer idxStmt.Close()

	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		ext, ok := f.Geometry.Extent()
		if !ok {
			continue
		}
		blob, err := wkb.Marshal(geometry.ToInterchange(f.Geometry))
		if err != nil {
			return fmt.Errorf("encoding feature %d: %w", f.OID, err)
		}
		attrs, err := json.Marshal(f.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes of feature %d: %w", f.OID, err)
		}
		res, err := featStmt.ExecContext(ctx, layer, int64(f.OID), blob, string(attrs))
		if err != nil {
			return err
		}
		fid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := idxStmt.ExecContext(ctx, fid, ext.MinX, ext.MaxX, ext.MinY, ext.MaxY); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deleteLayer removes every feature of a layer.
func (s *Store) deleteLayer(ctx context.Context, layer string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM features_rtree WHERE id IN (SELECT fid FROM features WHERE layer = ?)`, layer); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE layer = ?`, layer); err != nil {
		return err
	}
	return tx.Commit()
}

// extent returns the bounding box of a layer, nil if it has no features.
func (s *Store) extent(ctx context.Context, layer string) (*domain.Extent, error) {
	var minx, miny, maxx, maxy sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(r.minx), MIN(r.miny), MAX(r.maxx), MAX(r.maxy)
		FROM features f JOIN features_rtree r ON r.id = f.fid
		WHERE f.layer = ?`, layer).Scan(&minx, &miny, &maxx, &maxy)
	if err != nil {
		return nil, err
	}
	if !minx.Valid {
		return nil, nil
	}
	return &domain.Extent{
		MinX: minx.Float64, MinY: miny.Float64,
		MaxX: maxx.Float64, MaxY: maxy.Float64,
		SRID: domain.SRIDWebMercator,
	}, nil
}

// query returns the features of a layer whose bounding box intersects bbox
// (if set) and whose object id is in oids (if set), ordered by object id.
func (s *Store) query(ctx context.Context, layer string, bbox *domain.Extent, oids []domain.ObjectID, withGeometry bool) ([]storedFeature, error) {
	var (
		b    strings.Builder
		args = []interface{}{layer}
	)
	b.WriteString(`SELECT f.oid, f.geometry, f.attributes FROM features f`)
	if bbox != nil {
		b.WriteString(` JOIN features_rtree r ON r.id = f.fid`)
	}
	b.WriteString(` WHERE f.layer = ?`)
	if bbox != nil {
		b.WriteString(` AND r.maxx >= ? AND r.minx <= ? AND r.maxy >= ? AND r.miny <= ?`)
		args = append(args, bbox.MinX, bbox.MaxX, bbox.MinY, bbox.MaxY)
	}
	if oids != nil {
		if len(oids) == 0 {
			return nil, nil
		}
		b.WriteString(` AND f.oid IN (?` + strings.Repeat(`, ?`, len(oids)-1) + `)`)
		for _, oid := range oids {
			args = append(args, int64(oid))
		}
	}
	b.WriteString(` ORDER BY f.oid`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedFeature
	for rows.Next() {
		var (
			oid   int64
			blob  []byte
			attrs string
		)
		if err := rows.Scan(&oid, &blob, &attrs); err != nil {
			return nil, err
		}
		sf := storedFeature{oid: domain.ObjectID(oid)}
		if err := json.Unmarshal([]byte(attrs), &sf.attributes); err != nil {
			return nil, fmt.Errorf("decoding attributes of feature %d: %w", oid, err)
		}
		if withGeometry || bbox != nil {
			g, err := decodeGeometry(blob)
			if err != nil {
				return nil, fmt.Errorf("decoding feature %d: %w", oid, err)
			}
			sf.geometry = g
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

// updateAttributes merges attrs into a feature. It returns false if the
// feature does not exist.
func (s *Store) updateAttributes(ctx context.Context, layer string, oid domain.ObjectID, attrs map[string]interface{}) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT attributes FROM features WHERE layer = ? AND oid = ?`, layer, int64(oid)).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	current := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return false, err
	}
	for k, v := range attrs {
		current[k] = v
	}
	updated, err := json.Marshal(current)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE features SET attributes = ? WHERE layer = ? AND oid = ?`, string(updated), layer, int64(oid)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func decodeGeometry(blob []byte) (*domain.Geometry, error) {
	g, err := wkb.Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	native, ok := geometry.ToNative(g)
	if !ok {
		return nil, fmt.Errorf("unsupported stored geometry %T", g)
	}
	native.WKID = domain.SRIDWebMercator
	return native, nil
}
