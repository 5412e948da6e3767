package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/model"
)

// CreateGroup inserts a contact group.
func (s *Store) CreateGroup(ownerID, name, description string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO contact_groups (id,owner_id,name,description,created_at) VALUES (?,?,?,?,?)`,
		id, ownerID, name, nullIfEmpty(description), time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListGroups(ownerID string) ([]model.ContactGroup, error) {
	rows, err := s.DB.Query(`SELECT id,owner_id,name,COALESCE(description,''),created_at FROM contact_groups WHERE owner_id=? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.ContactGroup
	for rows.Next() {
		var g model.ContactGroup
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpsertContact inserts a contact or updates the existing one with the same (owner, phone).
func (s *Store) UpsertContact(c model.Contact) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.DB.Exec(`
		INSERT INTO contacts (id,owner_id,group_id,phone,name,variables,is_blocked,created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(owner_id, phone) DO UPDATE SET
			group_id=COALESCE(excluded.group_id, contacts.group_id),
			name=COALESCE(NULLIF(excluded.name,''), contacts.name),
			variables=excluded.variables,
			is_blocked=excluded.is_blocked
	`, c.ID, c.OwnerID, nullIfEmpty(c.GroupID), c.Phone, c.Name, encodeVars(c.Variables), btoi(c.Blocked), time.Now().UTC())
	if err != nil {
		return "", err
	}
	var id string
	if err := s.DB.QueryRow(`SELECT id FROM contacts WHERE owner_id=? AND phone=?`, c.OwnerID, c.Phone).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// SetContactBlocked toggles the blocked flag.
func (s *Store) SetContactBlocked(ownerID, id string, blocked bool) error {
	res, err := s.DB.Exec(`UPDATE contacts SET is_blocked=? WHERE owner_id=? AND id=?`, btoi(blocked), ownerID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

const contactCols = `id,owner_id,COALESCE(group_id,''),phone,COALESCE(name,''),variables,is_blocked,last_contacted,message_count,created_at`

func scanContact(row scanner) (model.Contact, error) {
	var (
		c       model.Contact
		vars    sql.NullString
		blocked int
		last    sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.GroupID, &c.Phone, &c.Name, &vars, &blocked, &last, &c.MessageCount, &c.CreatedAt)
	c.Variables = decodeVars(vars)
	c.Blocked = blocked == 1
	c.LastContacted = timePtr(last)
	return c, err
}

func (s *Store) GetContact(ownerID, id string) (model.Contact, error) {
	c, err := scanContact(s.DB.QueryRow(`SELECT `+contactCols+` FROM contacts WHERE owner_id=? AND id=?`, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contact{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListContacts(ownerID string) ([]model.Contact, error) {
	return s.queryContacts(`SELECT `+contactCols+` FROM contacts WHERE owner_id=? ORDER BY created_at, rowid`, ownerID)
}

// ContactsInGroups returns non-blocked contacts of the given groups, oldest first.
func (s *Store) ContactsInGroups(ownerID string, groupIDs []string) ([]model.Contact, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	args := append([]any{ownerID}, stringArgs(groupIDs)...)
	return s.queryContacts(`SELECT `+contactCols+` FROM contacts
		WHERE owner_id=? AND is_blocked=0 AND group_id IN (`+placeholders(len(groupIDs))+`)
		ORDER BY created_at, rowid`, args...)
}

// ContactsByIDs returns non-blocked contacts with the given ids, oldest first.
func (s *Store) ContactsByIDs(ownerID string, ids []string) ([]model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{ownerID}, stringArgs(ids)...)
	return s.queryContacts(`SELECT `+contactCols+` FROM contacts
		WHERE owner_id=? AND is_blocked=0 AND id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at, rowid`, args...)
}

// BlockedPhones returns the set of phones the owner has blocked.
func (s *Store) BlockedPhones(ownerID string) (map[string]bool, error) {
	rows, err := s.DB.Query(`SELECT phone FROM contacts WHERE owner_id=? AND is_blocked=1`, ownerID)
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

func (s *Store) queryContacts(q string, args ...any) ([]model.Contact, error) {
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TouchContact bumps last_contacted and message_count after a successful send.
func (s *Store) TouchContact(ownerID, phone string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE contacts SET last_contacted=?, message_count=message_count+1 WHERE owner_id=? AND phone=?`,
		at.UTC(), ownerID, phone)
	return err
}

// CreateTemplate inserts a message template.
func (s *Store) CreateTemplate(t model.Template) (string, error) {
	id := uuid.NewString()
	mediaType, mediaURL := mediaCols(t.Media)
	_, err := s.DB.Exec(`INSERT INTO templates (id,owner_id,name,body,media_type,media_url,created_at) VALUES (?,?,?,?,?,?,?)`,
		id, t.OwnerID, t.Name, t.Body, mediaType, mediaURL, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetTemplate(ownerID, id string) (model.Template, error) {
	var (
		t        model.Template
		mt, murl sql.NullString
	)
	err := s.DB.QueryRow(`SELECT id,owner_id,name,COALESCE(body,''),media_type,media_url,created_at FROM templates WHERE owner_id=? AND id=?`, ownerID, id).
		Scan(&t.ID, &t.OwnerID, &t.Name, &t.Body, &mt, &murl, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, ErrNotFound
	}
	t.Media = mediaFrom(mt, murl)
	return t, err
}

func mediaCols(m *model.Media) (any, any) {
	if m == nil || m.Type == "" || m.URL == "" {
		return sql.NullString{}, sql.NullString{}
	}
	return m.Type, m.URL
}

func mediaFrom(mt, murl sql.NullString) *model.Media {
	if !mt.Valid || !murl.Valid || mt.String == "" || murl.String == "" {
		return nil
	}
	return &model.Media{Type: mt.String, URL: murl.String}
}
