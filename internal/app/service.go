package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bidboard/api/internal/auth"
	"bidboard/api/internal/authpw"
	"bidboard/api/internal/blob"
	"bidboard/api/internal/config"
	"bidboard/api/internal/search"
	"bidboard/api/internal/store"
	"bidboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// allowedUploadExts limits deliverables and issue attachments to document and
// image formats.
var allowedUploadExts = map[string]struct{}{
	".pdf":  {},
	".docx": {},
	".txt":  {},
	".jpg":  {},
	".png":  {},
}

var allowedCloseDecisions = map[string]string{
	"accept": "completed",
	"reject": "rejected",
}

type dataStore interface {
	CreateUser(context.Context, string, string, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertProject(context.Context, store.Project) (int64, error)
	ListOpenProjects(context.Context) ([]store.Project, error)
	GetProject(context.Context, int64) (store.Project, error)
	ListProjectsByClient(context.Context, int64) ([]store.ProjectWithBids, error)
	UpdateProject(context.Context, int64, string, string, float64, string, int64) (bool, error)
	RejectProject(context.Context, int64, int64) (bool, error)
	CompleteProject(context.Context, int64) error
	DeleteProject(context.Context, int64, int64) (bool, error)
	SubmitBid(context.Context, int64, int64, float64) (int64, error)
	GetBidDetail(context.Context, int64) (store.BidDetail, error)
	GetAcceptedBid(context.Context, int64) (store.Bid, error)
	HasBid(context.Context, int64, int64) (bool, error)
	AcceptBid(context.Context, int64, int64) error
	UpdateBidStatus(context.Context, int64, string) error
	ListBidsByContractor(context.Context, int64) ([]store.ContractorBid, error)
	ListBidsForClientProjects(context.Context, int64) ([]store.BidDetail, error)
	SaveUpload(context.Context, int64, string, string, int64) error
	GetUploadByBid(context.Context, int64) (store.Upload, error)
	ListMessages(context.Context, int64) ([]store.Message, error)
	InsertMessage(context.Context, int64, int64, string) error
	InsertIssue(context.Context, store.Issue) (int64, error)
	ListIssues(context.Context, int64) ([]store.Issue, error)
	GetIssue(context.Context, int64) (store.Issue, error)
	StartIssue(context.Context, int64) (bool, error)
	CloseIssue(context.Context, int64, int64) (bool, error)
	InsertIssueComment(context.Context, int64, int64, string) error
	ListIssueComments(context.Context, int64) ([]store.IssueComment, error)
	InsertIssueAttachment(context.Context, int64, int64, string, string) error
	ListIssueAttachments(context.Context, int64) ([]store.IssueAttachment, error)
	InsertReview(context.Context, store.Review) (bool, error)
	ListReviewsAbout(context.Context, int64) (store.ReviewListing, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Backed by Redis when configured, the
// Postgres store otherwise.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexProject(p search.ProjectRecord)
	IndexIssue(i search.IssueRecord)
	DeleteProject(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	blobs    blob.Store
	search   searchService
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, authSvc *authpw.Service, blobs blob.Store, searchSvc searchService) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authSvc,
		blobs:    blobs,
		search:   searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

func (s *Service) Register(ctx context.Context, username, password, role string) (Session, error) {
	user, err := s.authpw.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Password: password,
		Role:     role,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrUsernameTaken) {
			return Session{}, domainError(http.StatusConflict, "USERNAME_EXISTS", "Username already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.authpw.Login(ctx, authpw.LoginRequest{Username: username, Password: password})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ── Projects ──

func validateProjectInput(title, description string, budget float64, deadline string) error {
	if strings.TrimSpace(title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if strings.TrimSpace(description) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description is required", nil)
	}
	if budget <= 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "budget must be greater than zero", nil)
	}
	if _, err := time.Parse("2006-01-02", deadline); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "deadline must be YYYY-MM-DD", nil)
	}
	return nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, title, description string, budget float64, deadline string) (map[string]any, error) {
	if session.Role != "client" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients can post projects", nil)
	}
	if err := validateProjectInput(title, description, budget, deadline); err != nil {
		return nil, err
	}

	id, err := s.store.InsertProject(ctx, store.Project{
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Budget:      budget,
		Deadline:    deadline,
		Status:      "open",
		ClientID:    session.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.search.IndexProject(search.ProjectRecord{
		ID:          strconv.FormatInt(id, 10),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Status:      "open",
	})

	return map[string]any{"ok": true, "projectId": id}, nil
}

func (s *Service) ListOpenProjects(ctx context.Context) (map[string]any, error) {
	projects, err := s.store.ListOpenProjects(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) GetProjectDetail(ctx context.Context, session Session, projectID int64) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payload := projectPayload(project)

	// Bid amounts are the client's to see; contractors only get their own
	// standing through /api/bids/mine.
	if project.ClientID == session.UserID {
		bids, err := s.store.ListBidsForClientProjects(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0)
		for _, b := range bids {
			if b.ProjectID != projectID {
				continue
			}
			items = append(items, bidDetailPayload(b))
		}
		payload["bids"] = items
	}
	return payload, nil
}

func (s *Service) ListMyProjects(ctx context.Context, session Session) (map[string]any, error) {
	if session.Role != "client" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only clients have posted projects", nil)
	}
	projects, err := s.store.ListProjectsByClient(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		payload := projectPayload(p.Project)
		bids := make([]map[string]any, 0, len(p.Bids))
		for _, b := range p.Bids {
			bid := map[string]any{
				"id":             b.ID,
				"contractorId":   b.ContractorID,
				"contractorName": b.ContractorName,
				"amount":         b.Amount,
				"status":         b.Status,
				"canView":        b.CanView,
			}
			if b.UploadFilename != "" {
				bid["uploadFilename"] = b.UploadFilename
				if b.UploadedAt != nil {
					bid["uploadedAt"] = b.UploadedAt.UTC().Format(time.RFC3339)
				}
			}
			bids = append(bids, bid)
		}
		payload["bids"] = bids
		items = append(items, payload)
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID int64, title, description string, budget float64, deadline string) (map[string]any, error) {
	if err := validateProjectInput(title, description, budget, deadline); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateProject(ctx, projectID, strings.TrimSpace(title), strings.TrimSpace(description), budget, deadline, session.UserID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err == nil {
		s.search.IndexProject(search.ProjectRecord{
			ID:          strconv.FormatInt(projectID, 10),
			Title:       project.Title,
			Description: project.Description,
			Status:      project.Status,
		})
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID int64) (map[string]any, error) {
	deleted, err := s.store.DeleteProject(ctx, projectID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
	}
	s.search.DeleteProject(strconv.FormatInt(projectID, 10))
	return map[string]any{"ok": true}, nil
}

// CompleteProject marks a submitted project finished. Accepted bids move to
// completed with it.
func (s *Service) CompleteProject(ctx context.Context, session Session, projectID int64) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner can complete it", nil)
	}
	if project.Status != "submitted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project has no submitted work to complete", nil)
	}
	if err := s.store.CompleteProject(ctx, projectID); err != nil {
		return nil, err
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:          strconv.FormatInt(projectID, 10),
		Title:       project.Title,
		Description: project.Description,
		Status:      "completed",
	})
	return map[string]any{"ok": true, "status": "completed"}, nil
}

// CloseProject finalizes a submitted project with an accept or reject
// decision.
func (s *Service) CloseProject(ctx context.Context, session Session, projectID int64, decision string) (map[string]any, error) {
	status, ok := allowedCloseDecisions[decision]
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be accept or reject", nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.ClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner can close it", nil)
	}
	if project.Status != "submitted" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project has no submitted work to close", nil)
	}

	if status == "completed" {
		if err := s.store.CompleteProject(ctx, projectID); err != nil {
			return nil, err
		}
	} else {
		rejected, err := s.store.RejectProject(ctx, projectID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !rejected {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
	}

	s.search.IndexProject(search.ProjectRecord{
		ID:          strconv.FormatInt(projectID, 10),
		Title:       project.Title,
		Description: project.Description,
		Status:      status,
	})
	return map[string]any{"ok": true, "status": status}, nil
}

// ── Bids ──

func (s *Service) SubmitBid(ctx context.Context, session Session, projectID int64, amount float64) (map[string]any, error) {
	if session.Role != "contractor" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only contractors can bid", nil)
	}
	if amount <= 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "amount must be greater than zero", nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != "open" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project is not open for bids", nil)
	}
	if project.ClientID == session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Cannot bid on your own project", nil)
	}

	bidID, err := s.store.SubmitBid(ctx, projectID, session.UserID, amount)
	if err != nil {
		if errors.Is(err, store.ErrBidAccepted) {
			return nil, domainError(http.StatusBadRequest, "BID_ACCEPTED", "Bid already accepted and cannot be changed", nil)
		}
		return nil, err
	}
	return map[string]any{"ok": true, "bidId": bidID}, nil
}

func (s *Service) ListMyBids(ctx context.Context, session Session) (map[string]any, error) {
	if session.Role != "contractor" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only contractors have bids", nil)
	}
	bids, err := s.store.ListBidsByContractor(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(bids))
	for _, b := range bids {
		item := map[string]any{
			"id":              b.ID,
			"projectId":       b.ProjectID,
			"projectTitle":    b.ProjectTitle,
			"projectDeadline": b.ProjectDeadline,
			"projectStatus":   b.ProjectStatus,
			"clientId":        b.ClientID,
			"amount":          b.Amount,
			"status":          b.Status,
			"hasReviewed":     b.HasReviewed,
			"createdAt":       b.CreatedAt.UTC().Format(time.RFC3339),
		}
		if b.UploadFilename != "" {
			item["uploadFilename"] = b.UploadFilename
		}
		items = append(items, item)
	}
	return map[string]any{"bids": items}, nil
}

func (s *Service) AcceptBid(ctx context.Context, session Session, bidID int64) (map[string]any, error) {
	bid, err := s.store.GetBidDetail(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ProjectClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner can accept bids", nil)
	}
	if bid.Status != "pending" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Bid is not pending", nil)
	}
	if bid.ProjectStatus != "open" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project is not open", nil)
	}
	if err := s.store.AcceptBid(ctx, bidID, bid.ProjectID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "status": "accepted"}, nil
}

func (s *Service) RejectBid(ctx context.Context, session Session, bidID int64) (map[string]any, error) {
	bid, err := s.store.GetBidDetail(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ProjectClientID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the project owner can reject bids", nil)
	}
	if bid.Status != "pending" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Bid is not pending", nil)
	}
	if err := s.store.UpdateBidStatus(ctx, bidID, "rejected"); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "status": "rejected"}, nil
}

// ── Uploads ──

func validateUploadName(filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedUploadExts[ext]; !ok {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_FILE_TYPE", "File type not allowed", map[string]any{"allowed": []string{".pdf", ".docx", ".txt", ".jpg", ".png"}})
	}
	return name, nil
}

// UploadDeliverable stores a contractor's work for an accepted bid. A
// re-upload after rejection moves the bid back to accepted.
func (s *Service) UploadDeliverable(ctx context.Context, session Session, bidID int64, filename string, size int64, content io.Reader) (map[string]any, error) {
	bid, err := s.store.GetBidDetail(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ContractorID != session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the bid owner can upload work", nil)
	}
	if bid.ProjectStatus == "completed" || bid.ProjectStatus == "rejected" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project is already closed", nil)
	}
	if bid.Status != "accepted" && bid.Status != "rejected" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Bid must be accepted before uploading work", nil)
	}

	name, err := validateUploadName(filename)
	if err != nil {
		return nil, err
	}
	if size > s.cfg.MaxUploadBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": s.cfg.MaxUploadBytes})
	}

	key := fmt.Sprintf("bids/%d/%s_%s", bidID, util.NewID(""), name)
	contentType := contentTypeForExt(strings.ToLower(filepath.Ext(name)))
	limited := io.LimitReader(content, s.cfg.MaxUploadBytes+1)
	if err := s.blobs.Save(ctx, key, contentType, size, limited); err != nil {
		return nil, err
	}

	if err := s.store.SaveUpload(ctx, bidID, name, key, session.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "filename": name}, nil
}

// OpenDeliverable returns the stored deliverable for a bid. The project owner
// and the bidding contractor may read it.
func (s *Service) OpenDeliverable(ctx context.Context, session Session, bidID int64) (store.Upload, io.ReadCloser, error) {
	bid, err := s.store.GetBidDetail(ctx, bidID)
	if err != nil {
		return store.Upload{}, nil, err
	}
	if bid.ContractorID != session.UserID && bid.ProjectClientID != session.UserID {
		return store.Upload{}, nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	upload, err := s.store.GetUploadByBid(ctx, bidID)
	if err != nil {
		return store.Upload{}, nil, err
	}
	rc, err := s.blobs.Open(ctx, upload.FilePath)
	if err != nil {
		return store.Upload{}, nil, err
	}
	return upload, rc, nil
}

// ── Messages ──

// isParticipant reports whether the user owns the project or has bid on it.
func (s *Service) isParticipant(ctx context.Context, project store.Project, userID int64) (bool, error) {
	if project.ClientID == userID {
		return true, nil
	}
	return s.store.HasBid(ctx, project.ID, userID)
}

func (s *Service) requireParticipant(ctx context.Context, projectID, userID int64) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	ok, err := s.isParticipant(ctx, project, userID)
	if err != nil {
		return store.Project{}, err
	}
	if !ok {
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return project, nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, projectID int64) (map[string]any, error) {
	if _, err := s.requireParticipant(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{
			"id":             m.ID,
			"senderId":       m.SenderID,
			"senderUsername": m.SenderUsername,
			"content":        m.Content,
			"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"messages": items}, nil
}

func (s *Service) PostMessage(ctx context.Context, session Session, projectID int64, content string) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if _, err := s.requireParticipant(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	if err := s.store.InsertMessage(ctx, projectID, session.UserID, strings.TrimSpace(content)); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// ── Issues ──

func (s *Service) CreateIssue(ctx context.Context, session Session, projectID int64, title, description string, assignedTo *int64) (map[string]any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if _, err := s.requireParticipant(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}

	id, err := s.store.InsertIssue(ctx, store.Issue{
		ProjectID:   projectID,
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		CreatedBy:   session.UserID,
		AssignedTo:  assignedTo,
	})
	if err != nil {
		return nil, err
	}

	s.search.IndexIssue(search.IssueRecord{
		ID:          strconv.FormatInt(id, 10),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		ProjectID:   strconv.FormatInt(projectID, 10),
		Status:      "open",
	})
	return map[string]any{"ok": true, "issueId": id}, nil
}

func (s *Service) ListIssues(ctx context.Context, session Session, projectID int64) (map[string]any, error) {
	if _, err := s.requireParticipant(ctx, projectID, session.UserID); err != nil {
		return nil, err
	}
	issues, err := s.store.ListIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return map[string]any{"issues": items}, nil
}

func (s *Service) GetIssue(ctx context.Context, session Session, issueID int64) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	return issuePayload(issue), nil
}

// UpdateIssueStatus applies a forward transition: open to in_progress, or
// in_progress to closed. Anything else conflicts.
func (s *Service) UpdateIssueStatus(ctx context.Context, session Session, issueID int64, status string) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}

	var moved bool
	switch status {
	case "in_progress":
		moved, err = s.store.StartIssue(ctx, issueID)
	case "closed":
		moved, err = s.store.CloseIssue(ctx, issueID, session.UserID)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be in_progress or closed", nil)
	}
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", fmt.Sprintf("Issue cannot move from %s to %s", issue.Status, status), nil)
	}

	s.search.IndexIssue(search.IssueRecord{
		ID:          strconv.FormatInt(issueID, 10),
		Title:       issue.Title,
		Description: issue.Description,
		ProjectID:   strconv.FormatInt(issue.ProjectID, 10),
		Status:      status,
	})
	return map[string]any{"ok": true, "status": status}, nil
}

func (s *Service) CommentIssue(ctx context.Context, session Session, issueID int64, content string) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	if err := s.store.InsertIssueComment(ctx, issueID, session.UserID, strings.TrimSpace(content)); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) ListIssueComments(ctx context.Context, session Session, issueID int64) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListIssueComments(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		items = append(items, map[string]any{
			"id":             c.ID,
			"authorId":       c.AuthorID,
			"authorUsername": c.AuthorUsername,
			"content":        c.Content,
			"createdAt":      c.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"comments": items}, nil
}

func (s *Service) AttachIssueFile(ctx context.Context, session Session, issueID int64, filename string, size int64, content io.Reader) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}

	name, err := validateUploadName(filename)
	if err != nil {
		return nil, err
	}
	if size > s.cfg.MaxUploadBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": s.cfg.MaxUploadBytes})
	}

	key := fmt.Sprintf("issues/%d/%s_%s", issueID, util.NewID(""), name)
	contentType := contentTypeForExt(strings.ToLower(filepath.Ext(name)))
	limited := io.LimitReader(content, s.cfg.MaxUploadBytes+1)
	if err := s.blobs.Save(ctx, key, contentType, size, limited); err != nil {
		return nil, err
	}
	if err := s.store.InsertIssueAttachment(ctx, issueID, session.UserID, name, key); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "filename": name}, nil
}

func (s *Service) ListIssueAttachments(ctx context.Context, session Session, issueID int64) (map[string]any, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListIssueAttachments(ctx, issueID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		items = append(items, map[string]any{
			"id":         a.ID,
			"uploaderId": a.UploaderID,
			"filename":   a.Filename,
			"createdAt":  a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"attachments": items}, nil
}

// OpenIssueAttachment streams a stored attachment to a project participant.
func (s *Service) OpenIssueAttachment(ctx context.Context, session Session, issueID, attachmentID int64) (store.IssueAttachment, io.ReadCloser, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.IssueAttachment{}, nil, err
	}
	if _, err := s.requireParticipant(ctx, issue.ProjectID, session.UserID); err != nil {
		return store.IssueAttachment{}, nil, err
	}
	attachments, err := s.store.ListIssueAttachments(ctx, issueID)
	if err != nil {
		return store.IssueAttachment{}, nil, err
	}
	for _, a := range attachments {
		if a.ID != attachmentID {
			continue
		}
		rc, err := s.blobs.Open(ctx, a.FilePath)
		if err != nil {
			return store.IssueAttachment{}, nil, err
		}
		return a, rc, nil
	}
	return store.IssueAttachment{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "Attachment not found", nil)
}

// ── Reviews ──

// CreateReview records a rating after a project completes. The client reviews
// the accepted contractor; the accepted contractor reviews the client.
func (s *Service) CreateReview(ctx context.Context, session Session, projectID int64, rating int, comment string) (map[string]any, error) {
	if rating < 1 || rating > 5 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rating must be between 1 and 5", nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != "completed" {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project is not completed", nil)
	}

	accepted, err := s.store.GetAcceptedBid(ctx, projectID)
	if err != nil {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Project has no accepted bid", nil)
	}

	var revieweeID int64
	switch session.UserID {
	case project.ClientID:
		revieweeID = accepted.ContractorID
	case accepted.ContractorID:
		revieweeID = project.ClientID
	default:
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only project participants can review", nil)
	}

	inserted, err := s.store.InsertReview(ctx, store.Review{
		ProjectID:  projectID,
		ReviewerID: session.UserID,
		RevieweeID: revieweeID,
		Rating:     rating,
		Comment:    strings.TrimSpace(comment),
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, domainError(http.StatusConflict, "ALREADY_REVIEWED", "You have already reviewed this project", nil)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) ListUserReviews(ctx context.Context, userID int64) (map[string]any, error) {
	listing, err := s.store.ListReviewsAbout(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(listing.Reviews))
	for _, r := range listing.Reviews {
		items = append(items, map[string]any{
			"id":         r.ID,
			"projectId":  r.ProjectID,
			"reviewerId": r.ReviewerID,
			"rating":     r.Rating,
			"comment":    r.Comment,
			"createdAt":  r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"reviews": items, "averageRating": listing.AverageRating}, nil
}

// ── Search ──

func (s *Service) Search(ctx context.Context, text, filterType, filterStatus string, limit, offset int) (search.Response, error) {
	if filterType != "" && filterType != string(search.ResultProject) && filterType != string(search.ResultIssue) {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be project or issue", nil)
	}
	return s.search.Search(search.Query{
		Text:         text,
		FilterType:   search.ResultType(filterType),
		FilterStatus: filterStatus,
		Limit:        limit,
		Offset:       offset,
	}), nil
}

// ── payload helpers ──

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"title":       p.Title,
		"description": p.Description,
		"budget":      p.Budget,
		"deadline":    p.Deadline,
		"status":      p.Status,
		"clientId":    p.ClientID,
		"createdAt":   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func bidDetailPayload(b store.BidDetail) map[string]any {
	return map[string]any{
		"id":             b.ID,
		"projectId":      b.ProjectID,
		"contractorId":   b.ContractorID,
		"contractorName": b.ContractorName,
		"amount":         b.Amount,
		"status":         b.Status,
		"createdAt":      b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func issuePayload(issue store.Issue) map[string]any {
	payload := map[string]any{
		"id":          issue.ID,
		"projectId":   issue.ProjectID,
		"title":       issue.Title,
		"description": issue.Description,
		"createdBy":   issue.CreatedBy,
		"status":      issue.Status,
		"createdAt":   issue.CreatedAt.UTC().Format(time.RFC3339),
	}
	if issue.AssignedTo != nil {
		payload["assignedTo"] = *issue.AssignedTo
	}
	if issue.ClosedAt != nil {
		payload["closedAt"] = issue.ClosedAt.UTC().Format(time.RFC3339)
	}
	if issue.ClosedBy != nil {
		payload["closedBy"] = *issue.ClosedBy
	}
	return payload
}

func contentTypeForExt(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".jpg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
