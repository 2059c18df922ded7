package sqlstore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/couchcryptid/urban-raster-service/internal/domain"
)

// UpsertStation creates or replaces a station.
func (s *Store) UpsertStation(ctx context.Context, st domain.Station) error {
	if strings.TrimSpace(st.ID) == "" {
		return domain.InvalidParameterf("station id is required")
	}
	if math.IsNaN(st.X) || math.IsNaN(st.Y) || math.IsInf(st.X, 0) || math.IsInf(st.Y, 0) {
		return domain.InvalidParameterf("station %s has non-finite coordinates", st.ID)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stations (id, name, x, y, elevation_m, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, x = excluded.x, y = excluded.y,
			elevation_m = excluded.elevation_m, active = excluded.active`),
		st.ID, st.Name, st.X, st.Y, st.ElevationM, st.Active)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.ID, err)
	}
	return nil
}

// Stations lists all stations ordered by id.
func (s *Store) Stations(ctx context.Context) ([]domain.Station, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, x, y, elevation_m, active FROM stations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	var out []domain.Station
	for rows.Next() {
		var st domain.Station
		if err := rows.Scan(&st.ID, &st.Name, &st.X, &st.Y, &st.ElevationM, &st.Active); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StationExists reports whether id is a known station.
func (s *Store) StationExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM stations WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup station %s: %w", id, err)
	}
	return n > 0, nil
}

// SaveMeasurements stores measurements in one transaction. Measurements of
// unknown stations are skipped; the number stored is returned.
func (s *Store) SaveMeasurements(ctx context.Context, ms []domain.Measurement) (int, error) {
	if len(ms) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin measurements tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO measurements (station_id, variable, observed_at, value)
		SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT), CAST(? AS DOUBLE PRECISION)
		WHERE EXISTS (SELECT 1 FROM stations WHERE id = ?)
		ON CONFLICT (station_id, variable, observed_at) DO UPDATE SET value = excluded.value`))
	if err != nil {
		return 0, fmt.Errorf("prepare measurement insert: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for _, m := range ms {
		if !domain.KnownVariable(m.Variable) {
			return 0, domain.InvalidParameterf("unknown measurement variable %q", m.Variable)
		}
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			continue
		}
		res, err := stmt.ExecContext(ctx, m.StationID, m.Variable, toMillis(m.ObservedAt), m.Value, m.StationID)
		if err != nil {
			return 0, fmt.Errorf("insert measurement %s/%s: %w", m.StationID, m.Variable, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			stored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit measurements: %w", err)
	}
	return stored, nil
}

// SamplesNear returns one value of variable per active station: the reading
// closest to at within window on either side, the earlier one on ties. A
// non-nil within restricts stations to that extent. VarTmrt is derived from
// the readings each station reported at the same instant.
func (s *Store) SamplesNear(ctx context.Context, variable string, at time.Time, window time.Duration, within *domain.Bounds) ([]domain.SamplePoint, error) {
	if !domain.RasterVariable(variable) {
		return nil, domain.InvalidParameterf("unknown measurement variable %q", variable)
	}
	inputs := []string{variable}
	if variable == domain.VarTmrt {
		inputs = domain.TmrtInputs
	}
	readings, err := s.readingsNear(ctx, inputs, at, window, within)
	if err != nil {
		return nil, fmt.Errorf("query samples for %s: %w", variable, err)
	}
	if variable == domain.VarTmrt {
		readings = deriveTmrt(readings)
	}
	return closestPerStation(readings, at), nil
}

// reading is one stored measurement joined with its station position.
type reading struct {
	station  string
	x, y     float64
	variable string
	value    float64
	at       time.Time
}

// readingsNear loads the readings of active stations in [at-window, at+window]
// ordered by station, time and variable.
func (s *Store) readingsNear(ctx context.Context, variables []string, at time.Time, window time.Duration, within *domain.Bounds) ([]reading, error) {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(variables)), ", ")
	query := `
		SELECT m.station_id, s.x, s.y, m.variable, m.value, m.observed_at
		FROM measurements m
		JOIN stations s ON s.id = m.station_id
		WHERE m.variable IN (` + marks + `) AND m.observed_at >= ? AND m.observed_at <= ? AND s.active = ?`
	args := make([]any, 0, len(variables)+7)
	for _, v := range variables {
		args = append(args, v)
	}
	args = append(args, toMillis(at.Add(-window)), toMillis(at.Add(window)), true)
	if within != nil {
		query += ` AND s.x >= ? AND s.x <= ? AND s.y >= ? AND s.y <= ?`
		args = append(args, within.MinX, within.MaxX, within.MinY, within.MaxY)
	}
	query += ` ORDER BY m.station_id, m.observed_at, m.variable`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reading
	for rows.Next() {
		var (
			r  reading
			ms int64
		)
		if err := rows.Scan(&r.station, &r.x, &r.y, &r.variable, &r.value, &ms); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		r.at = fromMillis(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// deriveTmrt folds the temperature, solar and wind readings of each station
// instant into one Tmrt reading. Instants without a temperature are dropped.
func deriveTmrt(in []reading) []reading {
	var out []reading
	for i := 0; i < len(in); {
		j := i
		var (
			temp        *float64
			solar, wind *float64
		)
		for ; j < len(in) && in[j].station == in[i].station && in[j].at.Equal(in[i].at); j++ {
			v := in[j].value
			switch in[j].variable {
			case domain.VarTemperature:
				temp = &v
			case domain.VarSolarRadiation:
				solar = &v
			case domain.VarWindSpeed:
				wind = &v
			}
		}
		if temp != nil {
			r := in[i]
			r.variable = domain.VarTmrt
			r.value = domain.MeanRadiantTemperature(*temp, solar, wind)
			out = append(out, r)
		}
		i = j
	}
	return out
}

// closestPerStation keeps the reading nearest to at for each station. Input
// is ordered by station and time, so the earlier reading wins a tie.
func closestPerStation(in []reading, at time.Time) []domain.SamplePoint {
	var (
		out      []domain.SamplePoint
		best     time.Duration
		previous string
	)
	for _, r := range in {
		d := r.at.Sub(at).Abs()
		if len(out) > 0 && r.station == previous {
			if d < best {
				best = d
				out[len(out)-1] = domain.SamplePoint{X: r.x, Y: r.y, Value: r.value, Time: r.at}
			}
			continue
		}
		previous, best = r.station, d
		out = append(out, domain.SamplePoint{X: r.x, Y: r.y, Value: r.value, Time: r.at})
	}
	return out
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
