package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"bidboard/api/internal/authpw"
	"bidboard/api/internal/config"
	"bidboard/api/internal/search"
	"bidboard/api/internal/store"
)

type fakeStore struct {
	createUserFn           func(context.Context, string, string, string) (store.User, error)
	getUserByUsernameFn    func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, int64) (store.User, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	insertProjectFn        func(context.Context, store.Project) (int64, error)
	listOpenProjectsFn     func(context.Context) ([]store.Project, error)
	getProjectFn           func(context.Context, int64) (store.Project, error)
	listProjectsByClientFn func(context.Context, int64) ([]store.ProjectWithBids, error)
	updateProjectFn        func(context.Context, int64, string, string, float64, string, int64) (bool, error)
	rejectProjectFn        func(context.Context, int64, int64) (bool, error)
	completeProjectFn      func(context.Context, int64) error
	deleteProjectFn        func(context.Context, int64, int64) (bool, error)
	submitBidFn            func(context.Context, int64, int64, float64) (int64, error)
	getBidDetailFn         func(context.Context, int64) (store.BidDetail, error)
	getAcceptedBidFn       func(context.Context, int64) (store.Bid, error)
	hasBidFn               func(context.Context, int64, int64) (bool, error)
	acceptBidFn            func(context.Context, int64, int64) error
	updateBidStatusFn      func(context.Context, int64, string) error
	listBidsByContractorFn func(context.Context, int64) ([]store.ContractorBid, error)
	listBidsForClientFn    func(context.Context, int64) ([]store.BidDetail, error)
	saveUploadFn           func(context.Context, int64, string, string, int64) error
	getUploadByBidFn       func(context.Context, int64) (store.Upload, error)
	listMessagesFn         func(context.Context, int64) ([]store.Message, error)
	insertMessageFn        func(context.Context, int64, int64, string) error
	insertIssueFn          func(context.Context, store.Issue) (int64, error)
	listIssuesFn           func(context.Context, int64) ([]store.Issue, error)
	getIssueFn             func(context.Context, int64) (store.Issue, error)
	startIssueFn           func(context.Context, int64) (bool, error)
	closeIssueFn           func(context.Context, int64, int64) (bool, error)
	insertIssueCommentFn   func(context.Context, int64, int64, string) error
	listIssueCommentsFn    func(context.Context, int64) ([]store.IssueComment, error)
	insertIssueAttachFn    func(context.Context, int64, int64, string, string) error
	listIssueAttachFn      func(context.Context, int64) ([]store.IssueAttachment, error)
	insertReviewFn         func(context.Context, store.Review) (bool, error)
	listReviewsAboutFn     func(context.Context, int64) (store.ReviewListing, error)
}

func (f *fakeStore) CreateUser(ctx context.Context, username, passwordHash, role string) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, username, passwordHash, role)
	}
	return store.User{ID: 1, Username: username, Role: role}, nil
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Username: "avery", Role: "client"}, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) (int64, error) {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return 1, nil
}
func (f *fakeStore) ListOpenProjects(ctx context.Context) ([]store.Project, error) {
	if f.listOpenProjectsFn != nil {
		return f.listOpenProjectsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID int64) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjectsByClient(ctx context.Context, clientID int64) ([]store.ProjectWithBids, error) {
	if f.listProjectsByClientFn != nil {
		return f.listProjectsByClientFn(ctx, clientID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateProject(ctx context.Context, projectID int64, title, description string, budget float64, deadline string, clientID int64) (bool, error) {
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, title, description, budget, deadline, clientID)
	}
	return false, nil
}
func (f *fakeStore) RejectProject(ctx context.Context, projectID, clientID int64) (bool, error) {
	if f.rejectProjectFn != nil {
		return f.rejectProjectFn(ctx, projectID, clientID)
	}
	return true, nil
}
func (f *fakeStore) CompleteProject(ctx context.Context, projectID int64) error {
	if f.completeProjectFn != nil {
		return f.completeProjectFn(ctx, projectID)
	}
	return nil
}
func (f *fakeStore) DeleteProject(ctx context.Context, projectID, clientID int64) (bool, error) {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, projectID, clientID)
	}
	return false, nil
}
func (f *fakeStore) SubmitBid(ctx context.Context, projectID, contractorID int64, amount float64) (int64, error) {
	if f.submitBidFn != nil {
		return f.submitBidFn(ctx, projectID, contractorID, amount)
	}
	return 1, nil
}
func (f *fakeStore) GetBidDetail(ctx context.Context, bidID int64) (store.BidDetail, error) {
	if f.getBidDetailFn != nil {
		return f.getBidDetailFn(ctx, bidID)
	}
	return store.BidDetail{}, sql.ErrNoRows
}
func (f *fakeStore) GetAcceptedBid(ctx context.Context, projectID int64) (store.Bid, error) {
	if f.getAcceptedBidFn != nil {
		return f.getAcceptedBidFn(ctx, projectID)
	}
	return store.Bid{}, sql.ErrNoRows
}
func (f *fakeStore) HasBid(ctx context.Context, projectID, contractorID int64) (bool, error) {
	if f.hasBidFn != nil {
		return f.hasBidFn(ctx, projectID, contractorID)
	}
	return false, nil
}
func (f *fakeStore) AcceptBid(ctx context.Context, bidID, projectID int64) error {
	if f.acceptBidFn != nil {
		return f.acceptBidFn(ctx, bidID, projectID)
	}
	return nil
}
func (f *fakeStore) UpdateBidStatus(ctx context.Context, bidID int64, status string) error {
	if f.updateBidStatusFn != nil {
		return f.updateBidStatusFn(ctx, bidID, status)
	}
	return nil
}
func (f *fakeStore) ListBidsByContractor(ctx context.Context, contractorID int64) ([]store.ContractorBid, error) {
	if f.listBidsByContractorFn != nil {
		return f.listBidsByContractorFn(ctx, contractorID)
	}
	return nil, nil
}
func (f *fakeStore) ListBidsForClientProjects(ctx context.Context, clientID int64) ([]store.BidDetail, error) {
	if f.listBidsForClientFn != nil {
		return f.listBidsForClientFn(ctx, clientID)
	}
	return nil, nil
}
func (f *fakeStore) SaveUpload(ctx context.Context, bidID int64, filename, filePath string, uploadedBy int64) error {
	if f.saveUploadFn != nil {
		return f.saveUploadFn(ctx, bidID, filename, filePath, uploadedBy)
	}
	return nil
}
func (f *fakeStore) GetUploadByBid(ctx context.Context, bidID int64) (store.Upload, error) {
	if f.getUploadByBidFn != nil {
		return f.getUploadByBidFn(ctx, bidID)
	}
	return store.Upload{}, sql.ErrNoRows
}
func (f *fakeStore) ListMessages(ctx context.Context, projectID int64) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) InsertMessage(ctx context.Context, projectID, senderID int64, content string) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, projectID, senderID, content)
	}
	return nil
}
func (f *fakeStore) InsertIssue(ctx context.Context, issue store.Issue) (int64, error) {
	if f.insertIssueFn != nil {
		return f.insertIssueFn(ctx, issue)
	}
	return 1, nil
}
func (f *fakeStore) ListIssues(ctx context.Context, projectID int64) ([]store.Issue, error) {
	if f.listIssuesFn != nil {
		return f.listIssuesFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetIssue(ctx context.Context, issueID int64) (store.Issue, error) {
	if f.getIssueFn != nil {
		return f.getIssueFn(ctx, issueID)
	}
	return store.Issue{}, sql.ErrNoRows
}
func (f *fakeStore) StartIssue(ctx context.Context, issueID int64) (bool, error) {
	if f.startIssueFn != nil {
		return f.startIssueFn(ctx, issueID)
	}
	return false, nil
}
func (f *fakeStore) CloseIssue(ctx context.Context, issueID, closedBy int64) (bool, error) {
	if f.closeIssueFn != nil {
		return f.closeIssueFn(ctx, issueID, closedBy)
	}
	return false, nil
}
func (f *fakeStore) InsertIssueComment(ctx context.Context, issueID, authorID int64, content string) error {
	if f.insertIssueCommentFn != nil {
		return f.insertIssueCommentFn(ctx, issueID, authorID, content)
	}
	return nil
}
func (f *fakeStore) ListIssueComments(ctx context.Context, issueID int64) ([]store.IssueComment, error) {
	if f.listIssueCommentsFn != nil {
		return f.listIssueCommentsFn(ctx, issueID)
	}
	return nil, nil
}
func (f *fakeStore) InsertIssueAttachment(ctx context.Context, issueID, uploaderID int64, filename, filePath string) error {
	if f.insertIssueAttachFn != nil {
		return f.insertIssueAttachFn(ctx, issueID, uploaderID, filename, filePath)
	}
	return nil
}
func (f *fakeStore) ListIssueAttachments(ctx context.Context, issueID int64) ([]store.IssueAttachment, error) {
	if f.listIssueAttachFn != nil {
		return f.listIssueAttachFn(ctx, issueID)
	}
	return nil, nil
}
func (f *fakeStore) InsertReview(ctx context.Context, review store.Review) (bool, error) {
	if f.insertReviewFn != nil {
		return f.insertReviewFn(ctx, review)
	}
	return true, nil
}
func (f *fakeStore) ListReviewsAbout(ctx context.Context, userID int64) (store.ReviewListing, error) {
	if f.listReviewsAboutFn != nil {
		return f.listReviewsAboutFn(ctx, userID)
	}
	return store.ReviewListing{}, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	saveFn   func(context.Context, string, store.User, time.Time) error
	lookupFn func(context.Context, string) (store.User, error)
	revokeFn func(context.Context, string) error
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, tokenHash, user, expiresAt)
	}
	return nil
}
func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, tokenHash)
	}
	return nil
}

type fakeSearch struct {
	searchFn       func(search.Query) search.Response
	indexedProject []search.ProjectRecord
	indexedIssue   []search.IssueRecord
	deletedProject []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexProject(p search.ProjectRecord) {
	f.indexedProject = append(f.indexedProject, p)
}
func (f *fakeSearch) IndexIssue(i search.IssueRecord) {
	f.indexedIssue = append(f.indexedIssue, i)
}
func (f *fakeSearch) DeleteProject(id string) {
	f.deletedProject = append(f.deletedProject, id)
}

type fakeBlob struct {
	saveFn   func(context.Context, string, string, int64, io.Reader) error
	openFn   func(context.Context, string) (io.ReadCloser, error)
	deleteFn func(context.Context, string) error
}

func (f *fakeBlob) Save(ctx context.Context, key, contentType string, size int64, r io.Reader) error {
	if f.saveFn != nil {
		return f.saveFn(ctx, key, contentType, size, r)
	}
	return nil
}
func (f *fakeBlob) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.openFn != nil {
		return f.openFn(ctx, key)
	}
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeBlob) Delete(ctx context.Context, key string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, key)
	}
	return nil
}

func newTestService(fs *fakeStore) (*Service, *fakeSearch) {
	cfg := config.Config{
		TokenSecret:    "test-secret",
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     24 * time.Hour,
		MaxUploadBytes: 1 << 20,
	}
	srch := &fakeSearch{}
	svc := New(cfg, fs, &fakeSessions{}, authpw.NewService(fs), &fakeBlob{}, srch)
	return svc, srch
}

func clientSession(userID int64) Session {
	return Session{UserID: userID, Username: "avery", Role: "client"}
}

func contractorSession(userID int64) Session {
	return Session{UserID: userID, Username: "sam", Role: "contractor"}
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected %s, got %s", code, domainErr.Code)
	}
}

func TestCreateProjectRejectsContractors(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.CreateProject(context.Background(), contractorSession(2), "Site", "Build a site", 500, "2026-10-01")
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestCreateProjectValidatesDeadline(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.CreateProject(context.Background(), clientSession(1), "Site", "Build a site", 500, "next week")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateProjectIndexesForSearch(t *testing.T) {
	fs := &fakeStore{
		insertProjectFn: func(_ context.Context, project store.Project) (int64, error) {
			if project.Status != "open" {
				t.Fatalf("expected new project status open, got %q", project.Status)
			}
			if project.ClientID != 1 {
				t.Fatalf("expected client 1, got %d", project.ClientID)
			}
			return 42, nil
		},
	}
	svc, srch := newTestService(fs)

	payload, err := svc.CreateProject(context.Background(), clientSession(1), "Site", "Build a site", 500, "2026-10-01")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if payload["projectId"] != int64(42) {
		t.Fatalf("expected projectId 42, got %v", payload["projectId"])
	}
	if len(srch.indexedProject) != 1 || srch.indexedProject[0].ID != "42" {
		t.Fatalf("expected project 42 indexed, got %+v", srch.indexedProject)
	}
}

func TestGetProjectDetailHidesBidsFromContractors(t *testing.T) {
	listCalls := 0
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Title: "Site", Status: "open", ClientID: 1}, nil
		},
		listBidsForClientFn: func(context.Context, int64) ([]store.BidDetail, error) {
			listCalls++
			return []store.BidDetail{{Bid: store.Bid{ID: 7, ProjectID: 5, Amount: 300, Status: "pending"}}}, nil
		},
	}
	svc, _ := newTestService(fs)

	asContractor, err := svc.GetProjectDetail(context.Background(), contractorSession(2), 5)
	if err != nil {
		t.Fatalf("GetProjectDetail() contractor error = %v", err)
	}
	if _, ok := asContractor["bids"]; ok {
		t.Fatalf("contractor should not see project bids")
	}
	if listCalls != 0 {
		t.Fatalf("expected no bid lookup for a non-owner, got %d", listCalls)
	}

	asOwner, err := svc.GetProjectDetail(context.Background(), clientSession(1), 5)
	if err != nil {
		t.Fatalf("GetProjectDetail() owner error = %v", err)
	}
	bids, ok := asOwner["bids"].([]map[string]any)
	if !ok || len(bids) != 1 {
		t.Fatalf("expected one bid for the owner, got %v", asOwner["bids"])
	}
}

func TestSubmitBidRejectsOwnProject(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "open", ClientID: 2}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.SubmitBid(context.Background(), contractorSession(2), 5, 300)
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestSubmitBidRejectsClosedProject(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "in_progress", ClientID: 1}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.SubmitBid(context.Background(), contractorSession(2), 5, 300)
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestSubmitBidMapsAcceptedConflict(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "open", ClientID: 1}, nil
		},
		submitBidFn: func(context.Context, int64, int64, float64) (int64, error) {
			return 0, store.ErrBidAccepted
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.SubmitBid(context.Background(), contractorSession(2), 5, 300)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 400 || domainErr.Code != "BID_ACCEPTED" {
		t.Fatalf("expected 400 BID_ACCEPTED, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestAcceptBidRequiresPendingBidOnOpenProject(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, Status: "accepted"},
				ProjectClientID: 1,
				ProjectStatus:   "open",
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.AcceptBid(context.Background(), clientSession(1), 7)
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestAcceptBidOnlyForProjectOwner(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, Status: "pending"},
				ProjectClientID: 99,
				ProjectStatus:   "open",
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.AcceptBid(context.Background(), clientSession(1), 7)
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestAcceptBidAppliesTransition(t *testing.T) {
	accepted := false
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "pending"},
				ProjectClientID: 1,
				ProjectStatus:   "open",
			}, nil
		},
		acceptBidFn: func(_ context.Context, bidID, projectID int64) error {
			accepted = true
			if bidID != 7 || projectID != 5 {
				t.Fatalf("expected AcceptBid(7, 5), got (%d, %d)", bidID, projectID)
			}
			return nil
		},
	}
	svc, _ := newTestService(fs)

	payload, err := svc.AcceptBid(context.Background(), clientSession(1), 7)
	if err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	if !accepted {
		t.Fatalf("expected store AcceptBid call")
	}
	if payload["status"] != "accepted" {
		t.Fatalf("expected status accepted, got %v", payload["status"])
	}
}

func TestUploadDeliverableRejectsDisallowedExtension(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "accepted"},
				ProjectClientID: 1,
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UploadDeliverable(context.Background(), contractorSession(2), 7, "payload.exe", 10, bytes.NewReader([]byte("x")))
	assertDomainCode(t, err, "INVALID_FILE_TYPE")
}

func TestUploadDeliverableRejectsOversizedFile(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "accepted"},
				ProjectClientID: 1,
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UploadDeliverable(context.Background(), contractorSession(2), 7, "report.pdf", 2<<20, bytes.NewReader([]byte("x")))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != 413 || domainErr.Code != "FILE_TOO_LARGE" {
		t.Fatalf("expected 413 FILE_TOO_LARGE, got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestUploadDeliverableRequiresAcceptedOrRejectedBid(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "pending"},
				ProjectClientID: 1,
			}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UploadDeliverable(context.Background(), contractorSession(2), 7, "report.pdf", 10, bytes.NewReader([]byte("x")))
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestUploadDeliverableRejectsClosedProject(t *testing.T) {
	for _, projectStatus := range []string{"completed", "rejected"} {
		fs := &fakeStore{
			getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
				return store.BidDetail{
					Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "rejected"},
					ProjectClientID: 1,
					ProjectStatus:   projectStatus,
				}, nil
			},
			saveUploadFn: func(context.Context, int64, string, string, int64) error {
				t.Fatalf("no upload may be persisted for a %s project", projectStatus)
				return nil
			},
		}
		svc, _ := newTestService(fs)

		_, err := svc.UploadDeliverable(context.Background(), contractorSession(2), 7, "report.pdf", 10, bytes.NewReader([]byte("x")))
		assertDomainCode(t, err, "INVALID_STATE")
	}
}

func TestUploadDeliverableStripsDirectoryFromFilename(t *testing.T) {
	var savedName string
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2, Status: "accepted"},
				ProjectClientID: 1,
			}, nil
		},
		saveUploadFn: func(_ context.Context, _ int64, filename, filePath string, _ int64) error {
			savedName = filename
			if strings.Contains(filePath, "..") {
				t.Fatalf("blob key must not contain traversal segments: %q", filePath)
			}
			return nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UploadDeliverable(context.Background(), contractorSession(2), 7, "../../etc/report.pdf", 10, bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatalf("UploadDeliverable() error = %v", err)
	}
	if savedName != "report.pdf" {
		t.Fatalf("expected bare filename report.pdf, got %q", savedName)
	}
}

func TestCompleteProjectRequiresSubmittedStatus(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "in_progress", ClientID: 1}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.CompleteProject(context.Background(), clientSession(1), 5)
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestCloseProjectRejectDecisionUsesSingleAtomicWrite(t *testing.T) {
	rejectCalls := 0
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "submitted", ClientID: 1, Title: "Site"}, nil
		},
		rejectProjectFn: func(_ context.Context, projectID, clientID int64) (bool, error) {
			rejectCalls++
			if projectID != 5 || clientID != 1 {
				t.Fatalf("expected RejectProject(5, 1), got (%d, %d)", projectID, clientID)
			}
			return true, nil
		},
		updateBidStatusFn: func(context.Context, int64, string) error {
			t.Fatalf("bid rejection must happen inside RejectProject, not as a separate write")
			return nil
		},
	}
	svc, srch := newTestService(fs)

	payload, err := svc.CloseProject(context.Background(), clientSession(1), 5, "reject")
	if err != nil {
		t.Fatalf("CloseProject() error = %v", err)
	}
	if payload["status"] != "rejected" {
		t.Fatalf("expected rejected, got %v", payload["status"])
	}
	if rejectCalls != 1 {
		t.Fatalf("expected one RejectProject call, got %d", rejectCalls)
	}
	if len(srch.indexedProject) != 1 || srch.indexedProject[0].Status != "rejected" {
		t.Fatalf("expected project reindexed as rejected, got %+v", srch.indexedProject)
	}
}

func TestCloseProjectRejectsUnknownDecision(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.CloseProject(context.Background(), clientSession(1), 5, "maybe")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestPostMessageRequiresParticipant(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "in_progress", ClientID: 1}, nil
		},
		hasBidFn: func(context.Context, int64, int64) (bool, error) {
			return false, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.PostMessage(context.Background(), contractorSession(3), 5, "hello")
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestPostMessageAllowsBidder(t *testing.T) {
	inserted := false
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "in_progress", ClientID: 1}, nil
		},
		hasBidFn: func(_ context.Context, projectID, contractorID int64) (bool, error) {
			return contractorID == 2, nil
		},
		insertMessageFn: func(_ context.Context, projectID, senderID int64, content string) error {
			inserted = true
			if content != "hello" {
				t.Fatalf("expected trimmed content hello, got %q", content)
			}
			return nil
		},
	}
	svc, _ := newTestService(fs)

	if _, err := svc.PostMessage(context.Background(), contractorSession(2), 5, "  hello  "); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if !inserted {
		t.Fatalf("expected message insert")
	}
}

func TestUpdateIssueStatusRejectsSkippedTransition(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(_ context.Context, issueID int64) (store.Issue, error) {
			return store.Issue{ID: issueID, ProjectID: 5, Status: "open", Title: "Bug"}, nil
		},
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, ClientID: 1}, nil
		},
		closeIssueFn: func(context.Context, int64, int64) (bool, error) {
			return false, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UpdateIssueStatus(context.Background(), clientSession(1), 9, "closed")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", domainErr.Code)
	}
	if !strings.Contains(domainErr.Message, "from open to closed") {
		t.Fatalf("expected transition detail, got %q", domainErr.Message)
	}
}

func TestUpdateIssueStatusRejectsReopening(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(_ context.Context, issueID int64) (store.Issue, error) {
			return store.Issue{ID: issueID, ProjectID: 5, Status: "closed"}, nil
		},
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, ClientID: 1}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.UpdateIssueStatus(context.Background(), clientSession(1), 9, "open")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestUpdateIssueStatusReindexesOnClose(t *testing.T) {
	fs := &fakeStore{
		getIssueFn: func(_ context.Context, issueID int64) (store.Issue, error) {
			return store.Issue{ID: issueID, ProjectID: 5, Status: "in_progress", Title: "Bug"}, nil
		},
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, ClientID: 1}, nil
		},
		closeIssueFn: func(_ context.Context, issueID, closedBy int64) (bool, error) {
			if closedBy != 1 {
				t.Fatalf("expected closedBy 1, got %d", closedBy)
			}
			return true, nil
		},
	}
	svc, srch := newTestService(fs)

	payload, err := svc.UpdateIssueStatus(context.Background(), clientSession(1), 9, "closed")
	if err != nil {
		t.Fatalf("UpdateIssueStatus() error = %v", err)
	}
	if payload["status"] != "closed" {
		t.Fatalf("expected closed, got %v", payload["status"])
	}
	if len(srch.indexedIssue) != 1 || srch.indexedIssue[0].Status != "closed" {
		t.Fatalf("expected issue reindexed as closed, got %+v", srch.indexedIssue)
	}
}

func TestCreateReviewRequiresCompletedProject(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "in_progress", ClientID: 1}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.CreateReview(context.Background(), clientSession(1), 5, 4, "good work")
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestCreateReviewPairsClientWithAcceptedContractor(t *testing.T) {
	var recorded store.Review
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "completed", ClientID: 1}, nil
		},
		getAcceptedBidFn: func(_ context.Context, projectID int64) (store.Bid, error) {
			return store.Bid{ID: 7, ProjectID: projectID, ContractorID: 2, Status: "completed"}, nil
		},
		insertReviewFn: func(_ context.Context, review store.Review) (bool, error) {
			recorded = review
			return true, nil
		},
	}
	svc, _ := newTestService(fs)

	if _, err := svc.CreateReview(context.Background(), clientSession(1), 5, 4, "good work"); err != nil {
		t.Fatalf("CreateReview() error = %v", err)
	}
	if recorded.ReviewerID != 1 || recorded.RevieweeID != 2 {
		t.Fatalf("expected client 1 reviewing contractor 2, got %d -> %d", recorded.ReviewerID, recorded.RevieweeID)
	}

	if _, err := svc.CreateReview(context.Background(), contractorSession(2), 5, 5, "fair client"); err != nil {
		t.Fatalf("CreateReview() contractor error = %v", err)
	}
	if recorded.ReviewerID != 2 || recorded.RevieweeID != 1 {
		t.Fatalf("expected contractor 2 reviewing client 1, got %d -> %d", recorded.ReviewerID, recorded.RevieweeID)
	}
}

func TestCreateReviewRejectsOutsiders(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "completed", ClientID: 1}, nil
		},
		getAcceptedBidFn: func(_ context.Context, projectID int64) (store.Bid, error) {
			return store.Bid{ID: 7, ProjectID: projectID, ContractorID: 2}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.CreateReview(context.Background(), contractorSession(3), 5, 4, "")
	assertDomainCode(t, err, "FORBIDDEN")
}

func TestCreateReviewConflictsOnDuplicate(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(_ context.Context, projectID int64) (store.Project, error) {
			return store.Project{ID: projectID, Status: "completed", ClientID: 1}, nil
		},
		getAcceptedBidFn: func(_ context.Context, projectID int64) (store.Bid, error) {
			return store.Bid{ID: 7, ProjectID: projectID, ContractorID: 2}, nil
		},
		insertReviewFn: func(context.Context, store.Review) (bool, error) {
			return false, nil
		},
	}
	svc, _ := newTestService(fs)

	_, err := svc.CreateReview(context.Background(), clientSession(1), 5, 4, "")
	assertDomainCode(t, err, "ALREADY_REVIEWED")
}

func TestCreateReviewValidatesRating(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	for _, rating := range []int{0, 6, -1} {
		_, err := svc.CreateReview(context.Background(), clientSession(1), 5, rating, "")
		assertDomainCode(t, err, "VALIDATION_ERROR")
	}
}

func TestSearchRejectsUnknownType(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})

	_, err := svc.Search(context.Background(), "roof", "contract", "", 20, 0)
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestSessionRoundTripAndRevocation(t *testing.T) {
	revoked := false
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, userID int64) (store.User, error) {
			return store.User{ID: userID, Username: "avery", Role: "client"}, nil
		},
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return revoked, nil
		},
	}
	svc, _ := newTestService(fs)

	issued, err := svc.issueSession(context.Background(), store.User{ID: 1, Username: "avery", Role: "client"})
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}

	parsed, err := svc.SessionFromToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.UserID != 1 || parsed.Role != "client" {
		t.Fatalf("unexpected session: %+v", parsed)
	}

	revoked = true
	if _, err := svc.SessionFromToken(context.Background(), issued.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

func TestOpenDeliverableRestrictedToParticipants(t *testing.T) {
	fs := &fakeStore{
		getBidDetailFn: func(_ context.Context, bidID int64) (store.BidDetail, error) {
			return store.BidDetail{
				Bid:             store.Bid{ID: bidID, ProjectID: 5, ContractorID: 2},
				ProjectClientID: 1,
			}, nil
		},
		getUploadByBidFn: func(_ context.Context, bidID int64) (store.Upload, error) {
			return store.Upload{BidID: bidID, Filename: "report.pdf", FilePath: "bids/7/report.pdf"}, nil
		},
	}
	svc, _ := newTestService(fs)

	_, _, err := svc.OpenDeliverable(context.Background(), contractorSession(3), 7)
	assertDomainCode(t, err, "FORBIDDEN")

	upload, rc, err := svc.OpenDeliverable(context.Background(), clientSession(1), 7)
	if err != nil {
		t.Fatalf("OpenDeliverable() owner error = %v", err)
	}
	defer rc.Close()
	if upload.Filename != "report.pdf" {
		t.Fatalf("expected report.pdf, got %q", upload.Filename)
	}
}
