package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/TheusHen/beacon/beacon/crypto"
	"github.com/TheusHen/beacon/beacon/day"
	"github.com/TheusHen/beacon/beacon/store"
)

var errReadOnly = fmt.Errorf("%w: read-only transaction", store.ErrStorage)

type tx struct {
	ctx      context.Context
	tx       *sqlx.Tx
	readOnly bool
}

type handshakeRow struct {
	ID        int64         `db:"id"`
	Timestamp int64         `db:"timestamp"`
	EphID     []byte        `db:"ephid"`
	TxPower   sql.NullInt64 `db:"tx_power"`
	RSSI      int           `db:"rssi"`
}

type contactRow struct {
	ID          int64         `db:"id"`
	Date        int64         `db:"date"`
	EphID       []byte        `db:"ephid"`
	WindowCount int           `db:"window_count"`
	Attenuation float64       `db:"attenuation"`
	CaseID      sql.NullInt64 `db:"associated_known_case"`
}

func (r contactRow) contact() (store.Contact, error) {
	id, err := crypto.EphIDFromBytes(r.EphID)
	if err != nil {
		return store.Contact{}, fmt.Errorf("%w: contact %d: %v", store.ErrStorage, r.ID, err)
	}
	return store.Contact{
		ID:          r.ID,
		Date:        day.FromMillis(r.Date),
		EphID:       id,
		WindowCount: r.WindowCount,
		Attenuation: r.Attenuation,
		CaseID:      r.CaseID.Int64,
	}, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", store.ErrStorage, op, err)
}

func (t *tx) exec(op, query string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	return res, wrap(op, err)
}

func (t *tx) count(op, query string) (int, error) {
	var n int
	err := t.tx.GetContext(t.ctx, &n, query)
	return n, wrap(op, err)
}

func (t *tx) InsertHandshake(h store.Handshake) error {
	var txPower sql.NullInt64
	if h.TxPower != nil {
		txPower = sql.NullInt64{Int64: int64(*h.TxPower), Valid: true}
	}
	_, err := t.exec("insert handshake",
		`INSERT INTO handshakes (timestamp, ephid, tx_power, rssi) VALUES (?, ?, ?, ?)`,
		h.Timestamp.UnixMilli(), h.EphID[:], txPower, h.RSSI)
	return err
}

func (t *tx) Handshakes(before time.Time) ([]store.Handshake, error) {
	var rows []handshakeRow
	err := t.tx.SelectContext(t.ctx, &rows,
		`SELECT id, timestamp, ephid, tx_power, rssi FROM handshakes WHERE timestamp < ? ORDER BY timestamp, id`,
		before.UnixMilli())
	if err != nil {
		return nil, wrap("select handshakes", err)
	}
	out := make([]store.Handshake, 0, len(rows))
	for _, r := range rows {
		id, err := crypto.EphIDFromBytes(r.EphID)
		if err != nil {
			return nil, fmt.Errorf("%w: handshake %d: %v", store.ErrStorage, r.ID, err)
		}
		h := store.Handshake{
			ID:        r.ID,
			EphID:     id,
			RSSI:      r.RSSI,
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		}
		if r.TxPower.Valid {
			p := int(r.TxPower.Int64)
			h.TxPower = &p
		}
		out = append(out, h)
	}
	return out, nil
}

func (t *tx) DeleteHandshakesBefore(before time.Time) error {
	_, err := t.exec("delete handshakes", `DELETE FROM handshakes WHERE timestamp < ?`, before.UnixMilli())
	return err
}

func (t *tx) CountHandshakes() (int, error) {
	return t.count("count handshakes", `SELECT COUNT(*) FROM handshakes`)
}

func (t *tx) InsertContact(c store.Contact) (bool, error) {
	var caseID sql.NullInt64
	if c.CaseID != 0 {
		caseID = sql.NullInt64{Int64: c.CaseID, Valid: true}
	}
	res, err := t.exec("insert contact",
		`INSERT OR IGNORE INTO contacts (date, ephid, window_count, attenuation, associated_known_case)
		 VALUES (?, ?, ?, ?, ?)`,
		c.Date.Millis(), c.EphID[:], c.WindowCount, c.Attenuation, caseID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("insert contact", err)
	}
	return n == 1, nil
}

func (t *tx) selectContacts(op, query string, args ...any) ([]store.Contact, error) {
	var rows []contactRow
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, wrap(op, err)
	}
	out := make([]store.Contact, 0, len(rows))
	for _, r := range rows {
		c, err := r.contact()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *tx) Contacts(from, to day.Day) ([]store.Contact, error) {
	return t.selectContacts("select contacts",
		`SELECT id, date, ephid, window_count, attenuation, associated_known_case
		 FROM contacts WHERE date >= ? AND date < ? ORDER BY date, id`,
		from.Millis(), to.Millis())
}

func (t *tx) MatchedContacts(d day.Day) ([]store.Contact, error) {
	return t.selectContacts("select matched contacts",
		`SELECT id, date, ephid, window_count, attenuation, associated_known_case
		 FROM contacts WHERE date = ? AND associated_known_case IS NOT NULL ORDER BY id`,
		d.Millis())
}

func (t *tx) SetContactCase(contactID, caseID int64) error {
	res, err := t.exec("update contact",
		`UPDATE contacts SET associated_known_case = ? WHERE id = ?`, caseID, contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteContactsBefore(d day.Day) error {
	_, err := t.exec("delete contacts", `DELETE FROM contacts WHERE date < ?`, d.Millis())
	return err
}

func (t *tx) CountContacts() (int, error) {
	return t.count("count contacts", `SELECT COUNT(*) FROM contacts`)
}

func (t *tx) InsertKnownCase(kc store.KnownCase) (int64, bool, error) {
	res, err := t.exec("insert known case",
		`INSERT OR IGNORE INTO known_cases (onset, bucket_day, key) VALUES (?, ?, ?)`,
		kc.OnsetDay.Millis(), kc.BucketDay.Millis(), kc.Key[:])
	if err != nil {
		return 0, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, false, wrap("insert known case", err)
	} else if n == 1 {
		id, err := res.LastInsertId()
		return id, true, wrap("insert known case", err)
	}

	var id int64
	err = t.tx.GetContext(t.ctx, &id,
		`SELECT id FROM known_cases WHERE bucket_day = ? AND key = ?`, kc.BucketDay.Millis(), kc.Key[:])
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, store.ErrNotFound
	}
	return id, false, wrap("select known case", err)
}

func (t *tx) DeleteKnownCasesBefore(d day.Day) error {
	_, err := t.exec("delete known cases", `DELETE FROM known_cases WHERE bucket_day < ?`, d.Millis())
	return err
}

func (t *tx) CountKnownCases() (int, error) {
	return t.count("count known cases", `SELECT COUNT(*) FROM known_cases`)
}

func (t *tx) Clear() error {
	for _, table := range []string{"contacts", "handshakes", "known_cases"} {
		if _, err := t.exec("clear "+table, `DELETE FROM `+table); err != nil {
			return err
		}
	}
	return nil
}
