package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/model"
)

const campaignCols = `id,owner_id,name,status,COALESCE(message,''),media_type,media_url,
	target_groups,target_contacts,target_numbers,
	min_delay_ms,max_delay_ms,batch_size,batch_delay_ms,no_spintax,
	total_contacts,sent_count,delivered_count,failed_count,COALESCE(run_id,''),
	scheduled_at,started_at,completed_at,created_at,updated_at`

func scanCampaign(row scanner) (model.Campaign, error) {
	var (
		c                          model.Campaign
		mt, murl                   sql.NullString
		groups, contacts, numbers  sql.NullString
		minMs, maxMs, batchDelayMs int64
		noSpin                     int
		scheduled, started, done   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Status, &c.Message, &mt, &murl,
		&groups, &contacts, &numbers,
		&minMs, &maxMs, &c.Pacing.BatchSize, &batchDelayMs, &noSpin,
		&c.TotalContacts, &c.SentCount, &c.DeliveredCount, &c.FailedCount, &c.RunID,
		&scheduled, &started, &done, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Media = mediaFrom(mt, murl)
	c.TargetGroups = decodeList(groups)
	c.TargetContacts = decodeList(contacts)
	c.TargetNumbers = decodeList(numbers)
	c.Pacing.MinDelay = time.Duration(minMs) * time.Millisecond
	c.Pacing.MaxDelay = time.Duration(maxMs) * time.Millisecond
	c.Pacing.BatchDelay = time.Duration(batchDelayMs) * time.Millisecond
	c.Pacing.NoSpintax = noSpin == 1
	c.ScheduledAt = timePtr(scheduled)
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(done)
	return c, nil
}

// CreateCampaign inserts c, assigning ID and a draft status when missing.
func (s *Store) CreateCampaign(c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	p := c.Pacing.WithDefaults(model.DefaultPacing)
	c.Pacing = p
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	mediaType, mediaURL := mediaCols(c.Media)
	_, err := s.DB.Exec(`INSERT INTO campaigns (id,owner_id,name,status,message,media_type,media_url,
		target_groups,target_contacts,target_numbers,min_delay_ms,max_delay_ms,batch_size,batch_delay_ms,no_spintax,
		total_contacts,scheduled_at,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Name, c.Status, c.Message, mediaType, mediaURL,
		encodeList(c.TargetGroups), encodeList(c.TargetContacts), encodeList(c.TargetNumbers),
		p.MinDelay.Milliseconds(), p.MaxDelay.Milliseconds(), p.BatchSize, p.BatchDelay.Milliseconds(), btoi(p.NoSpintax),
		c.TotalContacts, nullTime(c.ScheduledAt), now, now)
	return err
}

// UpdateCampaignDefinition rewrites the editable fields of a campaign that is not running.
func (s *Store) UpdateCampaignDefinition(c model.Campaign) error {
	p := c.Pacing.WithDefaults(model.DefaultPacing)
	mediaType, mediaURL := mediaCols(c.Media)
	res, err := s.DB.Exec(`UPDATE campaigns SET name=?, message=?, media_type=?, media_url=?,
		target_groups=?, target_contacts=?, target_numbers=?,
		min_delay_ms=?, max_delay_ms=?, batch_size=?, batch_delay_ms=?, no_spintax=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND owner_id=? AND status<>?`,
		c.Name, c.Message, mediaType, mediaURL,
		encodeList(c.TargetGroups), encodeList(c.TargetContacts), encodeList(c.TargetNumbers),
		p.MinDelay.Milliseconds(), p.MaxDelay.Milliseconds(), p.BatchSize, p.BatchDelay.Milliseconds(), btoi(p.NoSpintax),
		c.ID, c.OwnerID, model.CampaignRunning)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(id string) (model.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRow(`SELECT `+campaignCols+` FROM campaigns WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	return c, err
}

// ListCampaigns lists an owner's campaigns, optionally filtered by status.
func (s *Store) ListCampaigns(ownerID, status string) ([]model.Campaign, error) {
	q := `SELECT ` + campaignCols + ` FROM campaigns WHERE owner_id=?`
	args := []any{ownerID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CampaignIDsByStatus returns ids of all campaigns in status.
func (s *Store) CampaignIDsByStatus(status string) ([]string, error) {
	rows, err := s.DB.Query(`SELECT id FROM campaigns WHERE status=?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CampaignRunState returns the status and latest run token; it is polled before every send.
func (s *Store) CampaignRunState(id string) (status, runID string, err error) {
	err = s.DB.QueryRow(`SELECT status, COALESCE(run_id,'') FROM campaigns WHERE id=?`, id).Scan(&status, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return status, runID, err
}

// TransitionCampaign moves a campaign to status `to` only if its current status is one of from.
// Reports whether the row changed. Terminal statuses stamp completed_at. The run
// token is kept so sends already in flight still land in the counters.
func (s *Store) TransitionCampaign(id string, from []string, to string) (bool, error) {
	args := []any{to, to, id}
	args = append(args, stringArgs(from)...)
	res, err := s.DB.Exec(`UPDATE campaigns SET status=?,
		completed_at=CASE WHEN ? IN ('completed','cancelled') THEN CURRENT_TIMESTAMP ELSE completed_at END,
		updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ScheduleCampaign marks a draft/failed campaign as scheduled for at.
func (s *Store) ScheduleCampaign(id string, at time.Time) (bool, error) {
	res, err := s.DB.Exec(`UPDATE campaigns SET status=?, scheduled_at=?, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status IN (?,?,?)`,
		model.CampaignScheduled, at.UTC(), id, model.CampaignDraft, model.CampaignFailed, model.CampaignScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BeginCampaignRun flips a campaign to running under a fresh run token, provided its status is in from.
// started_at is set on the first run only.
func (s *Store) BeginCampaignRun(id string, from []string, runID string, total, sent, failed int, at time.Time) (bool, error) {
	args := []any{model.CampaignRunning, runID, total, sent, sent, failed, at.UTC(), id}
	args = append(args, stringArgs(from)...)
	res, err := s.DB.Exec(`UPDATE campaigns SET status=?, run_id=?, total_contacts=?,
		sent_count=?, delivered_count=?, failed_count=?,
		started_at=COALESCE(started_at, ?), completed_at=NULL, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncCampaignCounter bumps sent (and delivered) or failed for the campaign's latest run,
// never past total_contacts. A send that finishes after pause or cancel still counts.
func (s *Store) IncCampaignCounter(id, runID string, success bool) error {
	set := `failed_count=failed_count+1`
	if success {
		set = `sent_count=sent_count+1, delivered_count=delivered_count+1`
	}
	_, err := s.DB.Exec(`UPDATE campaigns SET `+set+`, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND run_id=? AND status IN (?,?,?) AND sent_count+failed_count < total_contacts`,
		id, runID, model.CampaignRunning, model.CampaignPaused, model.CampaignCancelled)
	return err
}

// CompleteCampaignRun marks the run's campaign completed with final counts.
// It only applies while the campaign is still running under runID.
func (s *Store) CompleteCampaignRun(id, runID string, sent, failed int) (bool, error) {
	res, err := s.DB.Exec(`UPDATE campaigns SET status=?, sent_count=?, delivered_count=?, failed_count=?,
		completed_at=CURRENT_TIMESTAMP, run_id=NULL, updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=? AND run_id=?`,
		model.CampaignCompleted, sent, sent, failed, id, model.CampaignRunning, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteCampaign removes a campaign that is not running together with its messages.
func (s *Store) DeleteCampaign(ownerID, id string) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var status string
	err = tx.QueryRow(`SELECT status FROM campaigns WHERE id=? AND owner_id=?`, id, ownerID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == model.CampaignRunning {
		return ErrCampaignRunning
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE campaign_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM campaigns WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ErrCampaignRunning is returned when deleting a running campaign.
var ErrCampaignRunning = errors.New("campaign is running")
