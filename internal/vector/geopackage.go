package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const (
	applicationID = 0x47504B47 // "GPKG"
	userVersion   = 10200
	geomColumn    = "geom"
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`

var schemaSQL = []string{
	`CREATE TABLE gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		srs_id INTEGER,
		CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
		CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys (srs_id)
	)`,
	`INSERT INTO gpkg_spatial_ref_sys VALUES
		('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
		('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system'),
		('WGS 84 geodetic', 4326, 'EPSG', 4326, '` + wgs84WKT + `', 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')`,
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Write stores layer as a new GeoPackage at path. The file is built under
// a temporary name in the same directory and renamed into place, so path
// either holds the previous file or the complete new one.
func Write(ctx context.Context, path string, layer *Layer) error {
	if err := layer.validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary geopackage: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := writeDB(ctx, tmpPath, layer); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeDB(ctx context.Context, path string, layer *Layer) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open geopackage: %w", err)
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d", applicationID)); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", userVersion)); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaSQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create geopackage schema: %w", err)
		}
	}

	srsID := layer.EPSG
	switch {
	case srsID == 0:
		srsID = -1
	case srsID != 4326:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', '')`,
			fmt.Sprintf("EPSG:%d", srsID), srsID, srsID)
		if err != nil {
			return fmt.Errorf("failed to register srs %d: %w", srsID, err)
		}
	}

	cols := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL", geomColumn + " " + layer.GeometryType}
	for _, f := range layer.Fields {
		cols = append(cols, quoteIdent(f.Name)+" "+f.Type.sqlType())
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(layer.Name), strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("failed to create layer table: %w", err)
	}

	names := []string{geomColumn}
	marks := []string{"?"}
	for _, f := range layer.Fields {
		names = append(names, quoteIdent(f.Name))
		marks = append(marks, "?")
	}
	insert, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(layer.Name), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer func() { _ = insert.Close() }()

	var extent orb.Bound
	hasExtent := false
	for i := range layer.Features {
		feat := &layer.Features[i]
		blob, err := encodeGeometry(feat.Geometry, int32(srsID))
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		args := []any{blob}
		for _, f := range layer.Fields {
			args = append(args, feat.Properties[f.Name])
		}
		res, err := insert.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("failed to insert feature %d: %w", i, err)
		}
		if feat.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if feat.Geometry != nil {
			if hasExtent {
				extent = extent.Union(feat.Geometry.Bound())
			} else {
				extent, hasExtent = feat.Geometry.Bound(), true
			}
		}
	}

	var minX, minY, maxX, maxY any
	if hasExtent {
		minX, minY, maxX, maxY = extent.Min[0], extent.Min[1], extent.Max[0], extent.Max[1]
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`,
		layer.Name, layer.Name, minX, minY, maxX, maxY, srsID); err != nil {
		return fmt.Errorf("failed to register layer: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns VALUES (?, ?, ?, ?, 0, 0)`,
		layer.Name, geomColumn, layer.GeometryType, srsID); err != nil {
		return fmt.Errorf("failed to register geometry column: %w", err)
	}
	return tx.Commit()
}

// Read loads the first feature layer of the GeoPackage at path.
func Read(ctx context.Context, path string) (*Layer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}
	defer func() { _ = db.Close() }()

	layer := &Layer{}
	var column string
	var srsID int
	err = db.QueryRowContext(ctx,
		`SELECT g.table_name, g.column_name, g.geometry_type_name, g.srs_id
		   FROM gpkg_geometry_columns g
		   JOIN gpkg_contents c ON c.table_name = g.table_name
		  WHERE c.data_type = 'features'
		  ORDER BY g.table_name LIMIT 1`,
	).Scan(&layer.Name, &column, &layer.GeometryType, &srsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: no feature layer", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if srsID > 0 {
		layer.EPSG = srsID
	}

	fields, err := tableFields(ctx, db, layer.Name, column)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	layer.Fields = fields

	selectCols := []string{"fid", quoteIdent(column)}
	for _, f := range fields {
		selectCols = append(selectCols, quoteIdent(f.Name))
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY fid",
		strings.Join(selectCols, ", "), quoteIdent(layer.Name)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			fid  int64
			blob []byte
		)
		dest := make([]any, len(fields))
		scan := []any{&fid, &blob}
		for i := range dest {
			scan = append(scan, &dest[i])
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		geom, err := decodeGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("%s: feature %d: %w", path, fid, err)
		}
		props := make(map[string]any, len(fields))
		for i, f := range fields {
			props[f.Name] = dest[i]
		}
		layer.Features = append(layer.Features, Feature{ID: fid, Geometry: geom, Properties: props})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return layer, nil
}

func tableFields(ctx context.Context, db *sql.DB, table, geomCol string) ([]Field, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var fields []Field
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		if pk > 0 || name == geomCol {
			continue
		}
		f := Field{Name: name, Type: Text}
		switch t := strings.ToUpper(typ); {
		case strings.Contains(t, "INT"), t == "BOOLEAN":
			f.Type = Integer
		case strings.Contains(t, "REAL"), strings.Contains(t, "DOUBLE"), strings.Contains(t, "FLOAT"):
			f.Type = Real
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// encodeGeometry builds a GeoPackage binary blob: the GP header with an
// XY envelope followed by little-endian WKB.
func encodeGeometry(g orb.Geometry, srsID int32) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	empty := isEmpty(g)
	flags := byte(0x01) // little endian
	if empty {
		flags |= 0x10
	} else {
		flags |= 0x02 // envelope [minx, maxx, miny, maxy]
	}
	out := make([]byte, 8, 8+32+len(body))
	out[0], out[1], out[2], out[3] = 'G', 'P', 0, flags
	binary.LittleEndian.PutUint32(out[4:], uint32(srsID))
	if !empty {
		b := g.Bound()
		for _, v := range []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]} {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
		}
	}
	return append(out, body...), nil
}

func decodeGeometry(blob []byte) (orb.Geometry, error) {
	if blob == nil {
		return nil, nil
	}
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, fmt.Errorf("not a geopackage geometry blob")
	}
	flags := blob[3]
	envelope := 0
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("invalid envelope indicator in geometry header")
	}
	if len(blob) < 8+envelope {
		return nil, fmt.Errorf("truncated geometry blob")
	}
	return wkb.Unmarshal(blob[8+envelope:])
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.LineString:
		return len(v) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	}
	return false
}
