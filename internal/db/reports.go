package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkarls/soloist/internal/model"
)

// CreateReport records a remote Flag against the local actor.
func (s *Store) CreateReport(fromUserID uuid.UUID, content string) (*model.Report, error) {
	r := &model.Report{ID: model.NewID(), CreatedAt: time.Now(), FromUserID: fromUserID, Content: content}
	_, err := s.db.Exec(s.q(`INSERT INTO reports (id, created_at, from_user_id, content)
		VALUES (?, ?, ?, ?)`), idArg(r.ID), tstr(r.CreatedAt), idArg(r.FromUserID), r.Content)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return r, nil
}

// ReportEntry is a report joined with its reporting actor.
type ReportEntry struct {
	Report model.Report
	Acct   string
}

// ListReports returns every report, newest first, with the reporter's
// handle@host for display.
func (s *Store) ListReports() ([]ReportEntry, error) {
	rows, err := s.db.Query(`SELECT r.id, r.created_at, r.from_user_id, r.content, u.handle, u.host
		FROM reports r JOIN users u ON u.id = r.from_user_id ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var entries []ReportEntry
	for rows.Next() {
		var (
			e            ReportEntry
			id, created  string
			fromID       string
			handle, host string
		)
		if err := rows.Scan(&id, &created, &fromID, &e.Report.Content, &handle, &host); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan report: %w", err)
		}
		e.Report.ID = parseID(id)
		e.Report.CreatedAt = tparse(created)
		e.Report.FromUserID = parseID(fromID)
		e.Acct = handle + "@" + host
		entries = append(entries, e)
	}
	return entries, closeRows(rows)
}
