package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/model"
)

// CreateScheduledMessage inserts a pending scheduled send.
func (s *Store) CreateScheduledMessage(m *model.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = model.ScheduledPending
	}
	m.CreatedAt = time.Now().UTC()
	mediaType, mediaURL := mediaCols(m.Media)
	_, err := s.DB.Exec(`INSERT INTO scheduled_messages (id,owner_id,phone,body,media_type,media_url,scheduled_at,status,recurring,recur_type,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OwnerID, m.Phone, m.Body, mediaType, mediaURL, m.ScheduledAt.UTC(), m.Status,
		btoi(m.Recurring), nullIfEmpty(m.RecurType), m.CreatedAt)
	return err
}

const scheduledCols = `id,owner_id,phone,body,media_type,media_url,scheduled_at,status,recurring,
	COALESCE(recur_type,''),COALESCE(error,''),sent_at,created_at`

func scanScheduled(row scanner) (model.ScheduledMessage, error) {
	var (
		m         model.ScheduledMessage
		mt, murl  sql.NullString
		recurring int
		sent      sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.Phone, &m.Body, &mt, &murl, &m.ScheduledAt, &m.Status, &recurring,
		&m.RecurType, &m.Error, &sent, &m.CreatedAt)
	m.Media = mediaFrom(mt, murl)
	m.Recurring = recurring == 1
	m.SentAt = timePtr(sent)
	return m, err
}

func (s *Store) GetScheduledMessage(id string) (model.ScheduledMessage, error) {
	m, err := scanScheduled(s.DB.QueryRow(`SELECT `+scheduledCols+` FROM scheduled_messages WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledMessage{}, ErrNotFound
	}
	return m, err
}

func (s *Store) ListScheduledMessages(ownerID, status string) ([]model.ScheduledMessage, error) {
	q := `SELECT ` + scheduledCols + ` FROM scheduled_messages WHERE owner_id=?`
	args := []any{ownerID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY scheduled_at, rowid`
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// FinishScheduledMessage moves a pending row to sent/failed/cancelled.
// Rows that already left pending are untouched; the return value reports whether this call won.
func (s *Store) FinishScheduledMessage(id, status, errMsg string, sentAt *time.Time) (bool, error) {
	res, err := s.DB.Exec(`UPDATE scheduled_messages SET status=?, error=?, sent_at=? WHERE id=? AND status=?`,
		status, nullIfEmpty(errMsg), nullTime(sentAt), id, model.ScheduledPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
