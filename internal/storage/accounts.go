package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/model"
)

// CreateAccount inserts a new account and returns its generated ID.
func (s *Store) CreateAccount(label string, dailyLimit, monthlyLimit int) (string, error) {
	if dailyLimit <= 0 {
		dailyLimit = 100
	}
	if monthlyLimit <= 0 {
		monthlyLimit = 3000
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.DB.Exec(`INSERT INTO accounts (id,label,daily_limit,monthly_limit,created_at,updated_at)
		VALUES (?,?,?,?,?,?)`,
		id, label, dailyLimit, monthlyLimit, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

const accountCols = `id,label,daily_limit,monthly_limit,messages_used_today,messages_used_month,wa_connected,COALESCE(wa_number,''),created_at,updated_at`

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	var connected int
	err := row.Scan(&a.ID, &a.Label, &a.DailyLimit, &a.MonthlyLimit, &a.MessagesUsedToday, &a.MessagesUsedMonth,
		&connected, &a.WANumber, &a.CreatedAt, &a.UpdatedAt)
	a.WAConnected = connected == 1
	return a, err
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(id string) (model.Account, error) {
	a, err := scanAccount(s.DB.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts() ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT ` + accountCols + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Store) AccountExists(id string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(1) FROM accounts WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetAccountConnection records whether the account's session is connected and as which number.
func (s *Store) SetAccountConnection(id string, connected bool, number string) error {
	if connected {
		_, err := s.DB.Exec(`UPDATE accounts SET wa_connected=1, wa_number=COALESCE(NULLIF(?, ''), wa_number), updated_at=CURRENT_TIMESTAMP WHERE id=?`,
			number, id)
		return err
	}
	_, err := s.DB.Exec(`UPDATE accounts SET wa_connected=0, wa_number=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// UpdateAccountLimits changes quota limits.
func (s *Store) UpdateAccountLimits(id string, dailyLimit, monthlyLimit int) error {
	res, err := s.DB.Exec(`UPDATE accounts SET daily_limit=?, monthly_limit=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		dailyLimit, monthlyLimit, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// AddUsage increments the daily and monthly usage counters by n.
func (s *Store) AddUsage(id string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE accounts SET messages_used_today=messages_used_today+?, messages_used_month=messages_used_month+?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		n, n, id)
	return err
}

// ResetDailyUsage zeroes messages_used_today for all accounts.
func (s *Store) ResetDailyUsage() (int64, error) {
	res, err := s.DB.Exec(`UPDATE accounts SET messages_used_today=0 WHERE messages_used_today<>0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetMonthlyUsage zeroes messages_used_month for all accounts.
func (s *Store) ResetMonthlyUsage() (int64, error) {
	res, err := s.DB.Exec(`UPDATE accounts SET messages_used_month=0 WHERE messages_used_month<>0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAccount removes an account; owned rows cascade.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.DB.Exec(`DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
