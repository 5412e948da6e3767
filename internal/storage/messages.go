package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/model"
)

// CreateMessage appends a send attempt row.
func (s *Store) CreateMessage(m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = model.MessagePending
	}
	if m.Source == "" {
		m.Source = model.SourceManual
	}
	m.CreatedAt = time.Now().UTC()
	mediaType, mediaURL := mediaCols(m.Media)
	_, err := s.DB.Exec(`INSERT INTO messages (id,owner_id,campaign_id,phone,body,media_type,media_url,status,
		protocol_message_id,error,source,sent_at,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OwnerID, nullIfEmpty(m.CampaignID), m.Phone, m.Body, mediaType, mediaURL, m.Status,
		nullIfEmpty(m.ProtocolMessageID), nullIfEmpty(m.Error), m.Source, nullTime(m.SentAt), m.CreatedAt)
	return err
}

// statusRank orders delivery progress; updates never move a message backwards.
var statusRank = map[string]int{
	model.MessagePending:   0,
	model.MessageSent:      1,
	model.MessageDelivered: 2,
	model.MessageRead:      3,
}

// UpdateMessageStatusByProtocolID applies an asynchronous delivery update.
// Unknown ids, failed rows and backward moves are ignored; the return value reports whether a row changed.
func (s *Store) UpdateMessageStatusByProtocolID(protocolID, status string, at time.Time) (bool, error) {
	rank, ok := statusRank[status]
	if !ok || protocolID == "" {
		return false, nil
	}
	var lower []string
	for st, r := range statusRank {
		if r < rank {
			lower = append(lower, st)
		}
	}
	if len(lower) == 0 {
		return false, nil
	}
	var stampCol string
	switch status {
	case model.MessageDelivered:
		stampCol = "delivered_at"
	case model.MessageRead:
		stampCol = "read_at"
	default:
		stampCol = "sent_at"
	}
	args := []any{status, at.UTC(), protocolID}
	args = append(args, stringArgs(lower)...)
	res, err := s.DB.Exec(`UPDATE messages SET status=?, `+stampCol+`=COALESCE(`+stampCol+`, ?)
		WHERE protocol_message_id=? AND status IN (`+placeholders(len(lower))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AttemptedPhones returns phones that already have a sent/failed (or later) message in the campaign.
func (s *Store) AttemptedPhones(campaignID string) (map[string]bool, error) {
	rows, err := s.DB.Query(`SELECT DISTINCT phone FROM messages WHERE campaign_id=? AND status<>?`, campaignID, model.MessagePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// HasCampaignMessage reports whether phone was already attempted in the campaign.
func (s *Store) HasCampaignMessage(campaignID, phone string) (bool, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(1) FROM messages WHERE campaign_id=? AND phone=? AND status<>?`,
		campaignID, phone, model.MessagePending).Scan(&n)
	return n > 0, err
}

// CampaignMessageCounts tallies distinct attempted phones as sent (sent/delivered/read) or failed.
func (s *Store) CampaignMessageCounts(campaignID string) (sent, failed int, err error) {
	err = s.DB.QueryRow(`
		SELECT
			COUNT(DISTINCT CASE WHEN status IN ('sent','delivered','read') THEN phone END),
			COUNT(DISTINCT CASE WHEN status='failed' THEN phone END)
		FROM messages WHERE campaign_id=?`, campaignID).Scan(&sent, &failed)
	return sent, failed, err
}

const messageCols = `id,owner_id,COALESCE(campaign_id,''),phone,body,media_type,media_url,status,
	COALESCE(protocol_message_id,''),COALESCE(error,''),source,sent_at,delivered_at,read_at,created_at`

func scanMessage(row scanner) (model.Message, error) {
	var (
		m                   model.Message
		mt, murl            sql.NullString
		sent, delivered, rd sql.NullTime
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.CampaignID, &m.Phone, &m.Body, &mt, &murl, &m.Status,
		&m.ProtocolMessageID, &m.Error, &m.Source, &sent, &delivered, &rd, &m.CreatedAt)
	m.Media = mediaFrom(mt, murl)
	m.SentAt = timePtr(sent)
	m.DeliveredAt = timePtr(delivered)
	m.ReadAt = timePtr(rd)
	return m, err
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(id string) (model.Message, error) {
	m, err := scanMessage(s.DB.QueryRow(`SELECT `+messageCols+` FROM messages WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns an owner's messages in insertion order, optionally for one campaign.
func (s *Store) ListMessages(ownerID, campaignID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + messageCols + ` FROM messages WHERE owner_id=?`
	args := []any{ownerID}
	if campaignID != "" {
		q += ` AND campaign_id=?`
		args = append(args, campaignID)
	}
	q += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// StatsToday counts today's messages for an owner by outcome.
func (s *Store) StatsToday(ownerID string) (total, success, failed int64, err error) {
	start := time.Now().UTC().Truncate(24 * time.Hour)
	row := s.DB.QueryRow(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status IN ('sent','delivered','read') THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0) AS failed
		FROM messages
		WHERE owner_id=? AND created_at >= ?`, ownerID, start)
	if err := row.Scan(&total, &success, &failed); err != nil {
		return 0, 0, 0, err
	}
	return total, success, failed, nil
}
