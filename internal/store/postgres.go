package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBidAccepted is returned when a contractor tries to overwrite a bid that
// the client has already accepted.
var ErrBidAccepted = errors.New("bid already accepted")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, role, created_at
	`, username, passwordHash, role).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.password_hash, u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Projects ──

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (title, description, budget, deadline, status, client_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, project.Title, project.Description, project.Budget, project.Deadline, project.Status, project.ClientID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert project: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListOpenProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, budget, to_char(deadline, 'YYYY-MM-DD'), status, client_id, created_at
		FROM projects
		WHERE status='open'
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.Budget, &item.Deadline, &item.Status, &item.ClientID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, budget, to_char(deadline, 'YYYY-MM-DD'), status, client_id, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Title, &item.Description, &item.Budget, &item.Deadline, &item.Status, &item.ClientID, &item.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// ListProjectsByClient returns the client's projects with their bids. A bid
// row carries the contractor name, the latest upload for the bid, and a
// can_view flag mirroring what the owner may open.
func (s *PostgresStore) ListProjectsByClient(ctx context.Context, clientID int64) ([]ProjectWithBids, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, budget, to_char(deadline, 'YYYY-MM-DD'), status, client_id, created_at
		FROM projects
		WHERE client_id=$1
		ORDER BY id DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list client projects: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectWithBids, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var item ProjectWithBids
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.Budget, &item.Deadline, &item.Status, &item.ClientID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client project: %w", err)
		}
		item.Bids = make([]BidSummary, 0)
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client projects: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	bidRows, err := s.db.QueryContext(ctx, `
		SELECT b.project_id, b.id, b.contractor_id, u.username, b.amount, b.status,
			COALESCE(up.filename, ''), COALESCE(up.file_path, ''), up.created_at
		FROM bids b
		JOIN projects p ON p.id = b.project_id
		JOIN users u ON u.id = b.contractor_id
		LEFT JOIN uploads up ON up.bid_id = b.id
		WHERE p.client_id=$1
		ORDER BY b.id DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list client project bids: %w", err)
	}
	defer bidRows.Close()

	for bidRows.Next() {
		var projectID int64
		var bid BidSummary
		if err := bidRows.Scan(&projectID, &bid.ID, &bid.ContractorID, &bid.ContractorName, &bid.Amount, &bid.Status, &bid.UploadFilename, &bid.UploadPath, &bid.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan bid summary: %w", err)
		}
		bid.CanView = bid.UploadFilename != "" && bid.Status != "rejected"
		if i, ok := index[projectID]; ok {
			items[i].Bids = append(items[i].Bids, bid)
		}
	}
	if err := bidRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bid summaries: %w", err)
	}
	return items, nil
}

// UpdateProject edits a project's mutable fields. Ownership is enforced in
// the WHERE clause; the bool reports whether a row matched.
func (s *PostgresStore) UpdateProject(ctx context.Context, projectID int64, title, description string, budget float64, deadline string, clientID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET title=$2, description=$3, budget=$4, deadline=$5
		WHERE id=$1 AND client_id=$6
	`, projectID, title, description, budget, deadline, clientID)
	if err != nil {
		return false, fmt.Errorf("update project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update project rows: %w", err)
	}
	return affected > 0, nil
}

// RejectProject marks a project owned by clientID rejected and rejects its
// accepted bids, atomically.
func (s *PostgresStore) RejectProject(ctx context.Context, projectID, clientID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reject project: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE projects SET status='rejected' WHERE id=$1 AND client_id=$2
	`, projectID, clientID)
	if err != nil {
		return false, fmt.Errorf("reject project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject project rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status='rejected' WHERE project_id=$1 AND status='accepted'
	`, projectID); err != nil {
		return false, fmt.Errorf("reject accepted bids: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reject project: %w", err)
	}
	return true, nil
}

// CompleteProject marks the project completed and promotes its accepted bids
// to completed, atomically.
func (s *PostgresStore) CompleteProject(ctx context.Context, projectID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete project: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET status='completed' WHERE id=$1`, projectID); err != nil {
		return fmt.Errorf("complete project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status='completed' WHERE project_id=$1 AND status='accepted'
	`, projectID); err != nil {
		return fmt.Errorf("complete accepted bids: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete project: %w", err)
	}
	return nil
}

// DeleteProject removes a project owned by clientID. Bids, uploads, messages
// and issues go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID, clientID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1 AND client_id=$2`, projectID, clientID)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows: %w", err)
	}
	return affected > 0, nil
}

// ── Bids ──

// SubmitBid inserts a bid or overwrites the contractor's previous bid on the
// same project back to pending with the new amount. An accepted bid cannot be
// overwritten.
func (s *PostgresStore) SubmitBid(ctx context.Context, projectID, contractorID int64, amount float64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin submit bid: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	var existingStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT id, status FROM bids
		WHERE project_id=$1 AND contractor_id=$2
		ORDER BY id DESC
		LIMIT 1
	`, projectID, contractorID).Scan(&existingID, &existingStatus)

	var bidID int64
	switch {
	case err == nil:
		if existingStatus == "accepted" {
			return 0, ErrBidAccepted
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE bids SET amount=$1, status='pending', created_at=NOW() WHERE id=$2 RETURNING id
		`, amount, existingID).Scan(&bidID); err != nil {
			return 0, fmt.Errorf("overwrite bid: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO bids (project_id, contractor_id, amount, status)
			VALUES ($1, $2, $3, 'pending')
			RETURNING id
		`, projectID, contractorID, amount).Scan(&bidID); err != nil {
			return 0, fmt.Errorf("insert bid: %w", err)
		}
	default:
		return 0, fmt.Errorf("lookup existing bid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit submit bid: %w", err)
	}
	return bidID, nil
}

// GetAcceptedBid returns the project's accepted bid. Completed bids count,
// since acceptance survives project completion.
func (s *PostgresStore) GetAcceptedBid(ctx context.Context, projectID int64) (Bid, error) {
	var bid Bid
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, contractor_id, amount, status, created_at
		FROM bids
		WHERE project_id=$1 AND status IN ('accepted', 'completed')
		ORDER BY id DESC
		LIMIT 1
	`, projectID).Scan(&bid.ID, &bid.ProjectID, &bid.ContractorID, &bid.Amount, &bid.Status, &bid.CreatedAt)
	if err != nil {
		return Bid{}, err
	}
	return bid, nil
}

// HasBid reports whether the contractor has any bid on the project.
func (s *PostgresStore) HasBid(ctx context.Context, projectID, contractorID int64) (bool, error) {
	var has bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bids WHERE project_id=$1 AND contractor_id=$2)
	`, projectID, contractorID).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("check bid: %w", err)
	}
	return has, nil
}

func (s *PostgresStore) GetBidDetail(ctx context.Context, bidID int64) (BidDetail, error) {
	var item BidDetail
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.project_id, b.contractor_id, b.amount, b.status, b.created_at,
			p.client_id, p.title, p.status, u.username
		FROM bids b
		JOIN projects p ON p.id = b.project_id
		JOIN users u ON u.id = b.contractor_id
		WHERE b.id=$1
	`, bidID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.ContractorID,
		&item.Amount,
		&item.Status,
		&item.CreatedAt,
		&item.ProjectClientID,
		&item.ProjectTitle,
		&item.ProjectStatus,
		&item.ContractorName,
	)
	if err != nil {
		return BidDetail{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetBidByProjectAndContractor(ctx context.Context, projectID, contractorID int64) (BidDetail, error) {
	var item BidDetail
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.project_id, b.contractor_id, b.amount, b.status, b.created_at,
			p.client_id, p.title, p.status, u.username
		FROM bids b
		JOIN projects p ON p.id = b.project_id
		JOIN users u ON u.id = b.contractor_id
		WHERE b.project_id=$1 AND b.contractor_id=$2
		ORDER BY b.id DESC
		LIMIT 1
	`, projectID, contractorID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.ContractorID,
		&item.Amount,
		&item.Status,
		&item.CreatedAt,
		&item.ProjectClientID,
		&item.ProjectTitle,
		&item.ProjectStatus,
		&item.ContractorName,
	)
	if err != nil {
		return BidDetail{}, err
	}
	return item, nil
}

// AcceptBid marks the bid accepted, rejects the project's other pending bids
// and moves the project to in_progress, atomically.
func (s *PostgresStore) AcceptBid(ctx context.Context, bidID, projectID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accept bid: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE bids SET status='accepted' WHERE id=$1`, bidID); err != nil {
		return fmt.Errorf("accept bid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status='rejected'
		WHERE project_id=$1 AND id <> $2 AND status='pending'
	`, projectID, bidID); err != nil {
		return fmt.Errorf("reject other bids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET status='in_progress' WHERE id=$1`, projectID); err != nil {
		return fmt.Errorf("start project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accept bid: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBidStatus(ctx context.Context, bidID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bids SET status=$2 WHERE id=$1`, bidID, status)
	if err != nil {
		return fmt.Errorf("update bid status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBidsByContractor(ctx context.Context, contractorID int64) ([]ContractorBid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.project_id, b.contractor_id, b.amount, b.status, b.created_at,
			p.title, to_char(p.deadline, 'YYYY-MM-DD'), p.status, p.client_id,
			COALESCE(up.filename, ''),
			EXISTS(
				SELECT 1 FROM reviews r
				WHERE r.project_id = b.project_id AND r.reviewer_id = b.contractor_id
			) AS has_reviewed
		FROM bids b
		JOIN projects p ON p.id = b.project_id
		LEFT JOIN uploads up ON up.bid_id = b.id
		WHERE b.contractor_id=$1
		ORDER BY b.created_at DESC
	`, contractorID)
	if err != nil {
		return nil, fmt.Errorf("list contractor bids: %w", err)
	}
	defer rows.Close()

	items := make([]ContractorBid, 0)
	for rows.Next() {
		var item ContractorBid
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.ContractorID,
			&item.Amount,
			&item.Status,
			&item.CreatedAt,
			&item.ProjectTitle,
			&item.ProjectDeadline,
			&item.ProjectStatus,
			&item.ClientID,
			&item.UploadFilename,
			&item.HasReviewed,
		); err != nil {
			return nil, fmt.Errorf("scan contractor bid: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contractor bids: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListBidsForClientProjects(ctx context.Context, clientID int64) ([]BidDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.project_id, b.contractor_id, b.amount, b.status, b.created_at,
			p.client_id, p.title, p.status, u.username
		FROM bids b
		JOIN projects p ON p.id = b.project_id
		JOIN users u ON u.id = b.contractor_id
		WHERE p.client_id=$1
		ORDER BY b.id DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list client project bids: %w", err)
	}
	defer rows.Close()

	items := make([]BidDetail, 0)
	for rows.Next() {
		var item BidDetail
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.ContractorID,
			&item.Amount,
			&item.Status,
			&item.CreatedAt,
			&item.ProjectClientID,
			&item.ProjectTitle,
			&item.ProjectStatus,
			&item.ContractorName,
		); err != nil {
			return nil, fmt.Errorf("scan client bid: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client bids: %w", err)
	}
	return items, nil
}

// ── Uploads ──

// SaveUpload records a deliverable for a bid. A bid keeps a single live
// upload row; re-uploads replace it. A rejected bid flips back to accepted
// and an in_progress project moves to submitted, all in one transaction.
func (s *PostgresStore) SaveUpload(ctx context.Context, bidID int64, filename, filePath string, uploaderID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save upload: %w", err)
	}
	defer tx.Rollback()

	var projectID int64
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM bids WHERE id=$1`, bidID).Scan(&projectID); err != nil {
		return fmt.Errorf("lookup bid project: %w", err)
	}

	var existingID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM uploads WHERE bid_id=$1 ORDER BY created_at DESC LIMIT 1
	`, bidID).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE uploads
			SET filename=$2, file_path=$3, uploaded_by=$4, created_at=NOW()
			WHERE id=$1
		`, existingID, filename, filePath, uploaderID); err != nil {
			return fmt.Errorf("replace upload: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO uploads (bid_id, project_id, filename, file_path, uploaded_by)
			VALUES ($1, $2, $3, $4, $5)
		`, bidID, projectID, filename, filePath, uploaderID); err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}
	default:
		return fmt.Errorf("lookup existing upload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status='accepted' WHERE id=$1 AND status='rejected'
	`, bidID); err != nil {
		return fmt.Errorf("reaccept bid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET status='submitted' WHERE id=$1 AND status='in_progress'
	`, projectID); err != nil {
		return fmt.Errorf("mark project submitted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUploadByBid(ctx context.Context, bidID int64) (Upload, error) {
	var item Upload
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bid_id, project_id, filename, file_path, uploaded_by, created_at
		FROM uploads
		WHERE bid_id=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, bidID).Scan(&item.ID, &item.BidID, &item.ProjectID, &item.Filename, &item.FilePath, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Upload{}, err
	}
	return item, nil
}

// ── Messages ──

func (s *PostgresStore) ListMessages(ctx context.Context, projectID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.sender_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.project_id=$1
		ORDER BY m.id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.SenderID, &item.SenderUsername, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, projectID, senderID int64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (project_id, sender_id, content)
		VALUES ($1, $2, $3)
	`, projectID, senderID, content)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ── Issues ──

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (project_id, title, description, created_by, assigned_to, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		RETURNING id
	`, issue.ProjectID, issue.Title, issue.Description, issue.CreatedBy, issue.AssignedTo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert issue: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, projectID int64) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, created_by, assigned_to, status, created_at, closed_at, closed_by
		FROM issues
		WHERE project_id=$1
		ORDER BY id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		var item Issue
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.Title,
			&item.Description,
			&item.CreatedBy,
			&item.AssignedTo,
			&item.Status,
			&item.CreatedAt,
			&item.ClosedAt,
			&item.ClosedBy,
		); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID int64) (Issue, error) {
	var item Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, created_by, assigned_to, status, created_at, closed_at, closed_by
		FROM issues
		WHERE id=$1
	`, issueID).Scan(
		&item.ID,
		&item.ProjectID,
		&item.Title,
		&item.Description,
		&item.CreatedBy,
		&item.AssignedTo,
		&item.Status,
		&item.CreatedAt,
		&item.ClosedAt,
		&item.ClosedBy,
	)
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

// StartIssue moves an open issue to in_progress. The bool reports whether the
// issue was in a state the transition applies to.
func (s *PostgresStore) StartIssue(ctx context.Context, issueID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues SET status='in_progress' WHERE id=$1 AND status='open'
	`, issueID)
	if err != nil {
		return false, fmt.Errorf("start issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("start issue rows: %w", err)
	}
	return affected > 0, nil
}

// CloseIssue moves an in_progress issue to closed, recording who closed it
// and when. closed_at and closed_by are set nowhere else.
func (s *PostgresStore) CloseIssue(ctx context.Context, issueID, closedBy int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status='closed', closed_at=NOW(), closed_by=$2
		WHERE id=$1 AND status='in_progress'
	`, issueID, closedBy)
	if err != nil {
		return false, fmt.Errorf("close issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close issue rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertIssueComment(ctx context.Context, issueID, authorID int64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_comments (issue_id, author_id, content)
		VALUES ($1, $2, $3)
	`, issueID, authorID, content)
	if err != nil {
		return fmt.Errorf("insert issue comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIssueComments(ctx context.Context, issueID int64) ([]IssueComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.author_id, u.username, c.content, c.created_at
		FROM issue_comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.issue_id=$1
		ORDER BY c.id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue comments: %w", err)
	}
	defer rows.Close()

	items := make([]IssueComment, 0)
	for rows.Next() {
		var item IssueComment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.AuthorUsername, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertIssueAttachment(ctx context.Context, issueID, uploaderID int64, filename, filePath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_attachments (issue_id, uploader_id, filename, file_path)
		VALUES ($1, $2, $3, $4)
	`, issueID, uploaderID, filename, filePath)
	if err != nil {
		return fmt.Errorf("insert issue attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIssueAttachments(ctx context.Context, issueID int64) ([]IssueAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, uploader_id, filename, file_path, created_at
		FROM issue_attachments
		WHERE issue_id=$1
		ORDER BY id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue attachments: %w", err)
	}
	defer rows.Close()

	items := make([]IssueAttachment, 0)
	for rows.Next() {
		var item IssueAttachment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.UploaderID, &item.Filename, &item.FilePath, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue attachments: %w", err)
	}
	return items, nil
}

// ── Reviews ──

// InsertReview records a rating. The unique constraint keeps it to one review
// per reviewer per project; the bool reports whether the row was inserted.
func (s *PostgresStore) InsertReview(ctx context.Context, review Review) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (project_id, reviewer_id, reviewee_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, reviewer_id) DO NOTHING
	`, review.ProjectID, review.ReviewerID, review.RevieweeID, review.Rating, review.Comment)
	if err != nil {
		return false, fmt.Errorf("insert review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert review rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReviewsAbout(ctx context.Context, userID int64) (ReviewListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, reviewer_id, reviewee_id, rating, COALESCE(comment, ''), created_at
		FROM reviews
		WHERE reviewee_id=$1
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return ReviewListing{}, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	listing := ReviewListing{Reviews: make([]Review, 0)}
	var total int
	for rows.Next() {
		var item Review
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ReviewerID, &item.RevieweeID, &item.Rating, &item.Comment, &item.CreatedAt); err != nil {
			return ReviewListing{}, fmt.Errorf("scan review: %w", err)
		}
		total += item.Rating
		listing.Reviews = append(listing.Reviews, item)
	}
	if err := rows.Err(); err != nil {
		return ReviewListing{}, fmt.Errorf("iterate reviews: %w", err)
	}
	if len(listing.Reviews) > 0 {
		listing.AverageRating = float64(total) / float64(len(listing.Reviews))
	}
	return listing, nil
}
