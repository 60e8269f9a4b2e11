package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stepline/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,source,started_at,start_steps) VALUES (?,?,?,?)`,
		s.ID, s.Source, s.StartedAt, s.StartSteps)
	return err
}

func (r Repo) StopSession(ctx context.Context, id, stoppedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET stopped_at=? WHERE id=? AND stopped_at IS NULL`, stoppedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var stopped sql.NullString
	if err := scan(&s.ID, &s.Source, &s.StartedAt, &stopped, &s.StartSteps); err != nil {
		return s, err
	}
	if stopped.Valid {
		s.StoppedAt = &stopped.String
	}
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,source,started_at,stopped_at,start_steps FROM sessions WHERE id=?`, id)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	query := `SELECT id,source,started_at,stopped_at,start_steps FROM sessions ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AppendRoutePoint stores a position with the next sequence number for its session.
func (r Repo) AppendRoutePoint(ctx context.Context, p domain.RoutePoint) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM route_points WHERE session_id=?`, p.SessionID).Scan(&seq); err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO route_points(session_id,seq,lat,lon,recorded_at) VALUES (?,?,?,?,?)`,
		p.SessionID, seq, p.Lat, p.Lon, p.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func (r Repo) ListRoutePoints(ctx context.Context, sessionID string) ([]domain.RoutePoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,seq,lat,lon,recorded_at FROM route_points WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoutePoint
	for rows.Next() {
		var p domain.RoutePoint
		var at string
		if err := rows.Scan(&p.SessionID, &p.Seq, &p.Lat, &p.Lon, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("%w: route point %s/%d recorded_at: %w", ErrCorrupt, p.SessionID, p.Seq, err)
		}
		p.RecordedAt = t
		res = append(res, p)
	}
	return res, rows.Err()
}
