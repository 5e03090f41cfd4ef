package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/camvisr/internal/worker"
)

const cameraColumns = `id, name, rtsp_url, enabled, retention_days,
	grid_mode, grid_stream_id, grid_target_w, grid_target_h,
	medium_mode, medium_stream_id, high_mode, high_stream_id,
	recording_mode, recording_stream_id, low_crf, high_crf, created_at`

const streamColumns = `id, camera_id, name, rtsp_url, enabled, is_master, width, height, fps, bitrate_kbps, probed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCamera(sc scanner) (Camera, error) {
	var (
		c                  Camera
		gm, mm, hm, rm     string
		gid, mid, hid, rid sql.NullInt64
	)
	err := sc.Scan(&c.ID, &c.Name, &c.RTSPURL, &c.Enabled, &c.RetentionDays,
		&gm, &gid, &c.GridTargetW, &c.GridTargetH,
		&mm, &mid, &hm, &hid,
		&rm, &rid, &c.LowCRF, &c.HighCRF, &c.CreatedAt)
	if err != nil {
		return Camera{}, err
	}
	c.Grid = RoleConfig{Mode: Mode(gm), StreamID: idPtr(gid)}
	c.Medium = RoleConfig{Mode: Mode(mm), StreamID: idPtr(mid)}
	c.High = RoleConfig{Mode: Mode(hm), StreamID: idPtr(hid)}
	c.Recording = RoleConfig{Mode: Mode(rm), StreamID: idPtr(rid)}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func scanStream(sc scanner) (Stream, error) {
	var (
		st     Stream
		probed sql.NullTime
	)
	if err := sc.Scan(&st.ID, &st.CameraID, &st.Name, &st.RTSPURL, &st.Enabled, &st.IsMaster,
		&st.Width, &st.Height, &st.FPS, &st.BitrateKbps, &probed); err != nil {
		return Stream{}, err
	}
	if probed.Valid {
		t := probed.Time.UTC()
		st.ProbedAt = &t
	}
	return st, nil
}

// CreateCamera inserts c and seeds its master stream from RTSPURL.
// Zero-valued knobs take their defaults. c.ID and c.Streams are filled in.
func (s *Store) CreateCamera(ctx context.Context, c *Camera) error {
	applyDefaults(c)
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM cameras WHERE name = ?`), c.Name).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("camera %q: %w", c.Name, ErrConflict)
		}
		err := tx.QueryRowContext(ctx, s.rebind(`INSERT INTO cameras(name, rtsp_url, enabled, retention_days,
			grid_mode, grid_stream_id, grid_target_w, grid_target_h,
			medium_mode, medium_stream_id, high_mode, high_stream_id,
			recording_mode, recording_stream_id, low_crf, high_crf, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			c.Name, c.RTSPURL, c.Enabled, c.RetentionDays,
			string(c.Grid.Mode), nullID(c.Grid.StreamID), c.GridTargetW, c.GridTargetH,
			string(c.Medium.Mode), nullID(c.Medium.StreamID), string(c.High.Mode), nullID(c.High.StreamID),
			string(c.Recording.Mode), nullID(c.Recording.StreamID), c.LowCRF, c.HighCRF, c.CreatedAt,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert camera: %w", err)
		}
		master := Stream{CameraID: c.ID, Name: "master", RTSPURL: c.RTSPURL, Enabled: true, IsMaster: true}
		if err := s.insertStream(ctx, tx, &master); err != nil {
			return err
		}
		c.Streams = []Stream{master}
		return nil
	})
}

func applyDefaults(c *Camera) {
	if c.Grid.Mode == "" {
		c.Grid.Mode = ModeAuto
	}
	if c.Medium.Mode == "" {
		c.Medium.Mode = ModeAuto
	}
	if c.High.Mode == "" {
		c.High.Mode = ModeAuto
	}
	if c.Recording.Mode == "" {
		c.Recording.Mode = ModeAuto
	}
	if c.GridTargetW == 0 {
		c.GridTargetW = DefaultGridTargetW
	}
	if c.GridTargetH == 0 {
		c.GridTargetH = DefaultGridTargetH
	}
	if c.LowCRF == 0 {
		c.LowCRF = DefaultLowCRF
	}
	if c.HighCRF == 0 {
		c.HighCRF = DefaultHighCRF
	}
}

// GetCamera loads a camera with its streams.
func (s *Store) GetCamera(ctx context.Context, id int64) (Camera, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+cameraColumns+` FROM cameras WHERE id = ?`), id)
	return s.loadCamera(ctx, row, fmt.Sprintf("camera %d", id))
}

// GetCameraByName loads a camera by its unique name.
func (s *Store) GetCameraByName(ctx context.Context, name string) (Camera, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+cameraColumns+` FROM cameras WHERE name = ?`), name)
	return s.loadCamera(ctx, row, fmt.Sprintf("camera %q", name))
}

func (s *Store) loadCamera(ctx context.Context, row *sql.Row, what string) (Camera, error) {
	c, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Camera{}, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return Camera{}, err
	}
	c.Streams, err = s.streams(ctx, s.db, c.ID)
	return c, err
}

// ListCameras returns every camera ordered by id.
func (s *Store) ListCameras(ctx context.Context) ([]Camera, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	var out []Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	for i := range out {
		if out[i].Streams, err = s.streams(ctx, s.db, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateCamera replaces the camera row identified by c.ID. Streams are not
// touched. Manual role selections must reference streams of this camera.
func (s *Store) UpdateCamera(ctx context.Context, c Camera) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		streams, err := s.streams(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		c.Streams = streams
		for _, r := range worker.Roles {
			rc := c.Role(r)
			if rc.StreamID == nil {
				continue
			}
			if _, ok := c.Stream(*rc.StreamID); !ok {
				return fmt.Errorf("%s stream %d does not belong to camera %d", r, *rc.StreamID, c.ID)
			}
		}
		var n int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM cameras WHERE name = ? AND id <> ?`), c.Name, c.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("camera %q: %w", c.Name, ErrConflict)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE cameras SET name = ?, rtsp_url = ?, enabled = ?, retention_days = ?,
			grid_mode = ?, grid_stream_id = ?, grid_target_w = ?, grid_target_h = ?,
			medium_mode = ?, medium_stream_id = ?, high_mode = ?, high_stream_id = ?,
			recording_mode = ?, recording_stream_id = ?, low_crf = ?, high_crf = ?
			WHERE id = ?`),
			c.Name, c.RTSPURL, c.Enabled, c.RetentionDays,
			string(c.Grid.Mode), nullID(c.Grid.StreamID), c.GridTargetW, c.GridTargetH,
			string(c.Medium.Mode), nullID(c.Medium.StreamID), string(c.High.Mode), nullID(c.High.StreamID),
			string(c.Recording.Mode), nullID(c.Recording.StreamID), c.LowCRF, c.HighCRF, c.ID)
		if err != nil {
			return fmt.Errorf("update camera: %w", err)
		}
		return expectOne(res, fmt.Sprintf("camera %d", c.ID))
	})
}

// DeleteCamera removes a camera and its streams. Missing cameras are not an error.
func (s *Store) DeleteCamera(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM camera_streams WHERE camera_id = ?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM cameras WHERE id = ?`), id)
		return err
	})
}

func (s *Store) streams(ctx context.Context, q querier, cameraID int64) ([]Stream, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT `+streamColumns+` FROM camera_streams WHERE camera_id = ? ORDER BY id ASC`), cameraID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) insertStream(ctx context.Context, q querier, st *Stream) error {
	var probed any
	if st.ProbedAt != nil {
		probed = st.ProbedAt.UTC()
	}
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO camera_streams(camera_id, name, rtsp_url, enabled, is_master, width, height, fps, bitrate_kbps, probed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		st.CameraID, st.Name, st.RTSPURL, st.Enabled, st.IsMaster, st.Width, st.Height, st.FPS, st.BitrateKbps, probed,
	).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func validateStream(st Stream) error {
	if st.Name == "" || st.RTSPURL == "" {
		return errors.New("stream name and rtsp_url are required")
	}
	if st.Width < 0 || st.Height < 0 || st.FPS < 0 || st.BitrateKbps < 0 {
		return errors.New("stream dimensions must not be negative")
	}
	return nil
}

// AddStream attaches a new stream to an existing camera.
func (s *Store) AddStream(ctx context.Context, st *Stream) error {
	if err := validateStream(*st); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM cameras WHERE id = ?`), st.CameraID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("camera %d: %w", st.CameraID, ErrNotFound)
		}
		return s.insertStream(ctx, tx, st)
	})
}

// UpdateStream replaces a stream row; the stream must belong to st.CameraID.
func (s *Store) UpdateStream(ctx context.Context, st Stream) error {
	if err := validateStream(st); err != nil {
		return err
	}
	var probed any
	if st.ProbedAt != nil {
		probed = st.ProbedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE camera_streams SET name = ?, rtsp_url = ?, enabled = ?, is_master = ?,
		width = ?, height = ?, fps = ?, bitrate_kbps = ?, probed_at = ? WHERE id = ? AND camera_id = ?`),
		st.Name, st.RTSPURL, st.Enabled, st.IsMaster, st.Width, st.Height, st.FPS, st.BitrateKbps, probed, st.ID, st.CameraID)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return expectOne(res, fmt.Sprintf("stream %d", st.ID))
}

// DeleteStream removes a stream and clears any role selection pointing at it.
func (s *Store) DeleteStream(ctx context.Context, cameraID, streamID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM camera_streams WHERE id = ? AND camera_id = ?`), streamID, cameraID)
		if err != nil {
			return err
		}
		if err := expectOne(res, fmt.Sprintf("stream %d", streamID)); err != nil {
			return err
		}
		for _, col := range []string{"grid_stream_id", "medium_stream_id", "high_stream_id", "recording_stream_id"} {
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE cameras SET `+col+` = NULL WHERE id = ? AND `+col+` = ?`), cameraID, streamID); err != nil {
				return err
			}
		}
		return nil
	})
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
