package store

import "time"

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Project struct {
	ID          int64
	Title       string
	Description string
	Budget      float64
	Deadline    string
	Status      string
	ClientID    int64
	CreatedAt   time.Time
}

// ProjectWithBids is the client dashboard row: a project plus every bid
// against it, joined with contractor and latest-upload details.
type ProjectWithBids struct {
	Project
	Bids []BidSummary
}

// BidSummary is one bid as seen by the project owner.
type BidSummary struct {
	ID             int64
	ContractorID   int64
	ContractorName string
	Amount         float64
	Status         string
	UploadFilename string
	UploadPath     string
	UploadedAt     *time.Time
	CanView        bool
}

type Bid struct {
	ID           int64
	ProjectID    int64
	ContractorID int64
	Amount       float64
	Status       string
	CreatedAt    time.Time
}

// ContractorBid is the contractor dashboard row: a bid joined with its
// project, the project owner, the latest upload, and whether the contractor
// has already reviewed the counterparty.
type ContractorBid struct {
	Bid
	ProjectTitle    string
	ProjectDeadline string
	ProjectStatus   string
	ClientID        int64
	UploadFilename  string
	HasReviewed     bool
}

// BidDetail is a bid joined with project ownership, used for permission
// checks on accept/reject/upload/view.
type BidDetail struct {
	Bid
	ProjectClientID int64
	ProjectTitle    string
	ProjectStatus   string
	ContractorName  string
}

type Upload struct {
	ID         int64
	BidID      int64
	ProjectID  int64
	Filename   string
	FilePath   string
	UploadedBy int64
	CreatedAt  time.Time
}

type Message struct {
	ID             int64
	ProjectID      int64
	SenderID       int64
	SenderUsername string
	Content        string
	CreatedAt      time.Time
}

type Issue struct {
	ID          int64
	ProjectID   int64
	Title       string
	Description string
	CreatedBy   int64
	AssignedTo  *int64
	Status      string
	CreatedAt   time.Time
	ClosedAt    *time.Time
	ClosedBy    *int64
}

type IssueComment struct {
	ID             int64
	IssueID        int64
	AuthorID       int64
	AuthorUsername string
	Content        string
	CreatedAt      time.Time
}

type IssueAttachment struct {
	ID         int64
	IssueID    int64
	UploaderID int64
	Filename   string
	FilePath   string
	CreatedAt  time.Time
}

type Review struct {
	ID         int64
	ProjectID  int64
	ReviewerID int64
	RevieweeID int64
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

// ReviewListing aggregates the reviews about one user.
type ReviewListing struct {
	Reviews       []Review
	AverageRating float64
}
