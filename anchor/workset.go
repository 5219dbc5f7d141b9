package anchor

import (
	"fmt"
	"sync"
	"time"
)

// client-side mirror of the workset ownership contract deployed on the
// ledger service. call sites validate locally before spending a round
// trip, and the mirror doubles as the reference behavior in tests. the
// authoritative state lives on the service; this mirror is rebuilt from
// contract events.

const WorksetContractName = "workset_ownership"

const defaultBorrowTimeout = 24 * time.Hour
const defaultMaxConcurrentBorrows = 10

type WorksetMetadata struct {
	Name         string    `json:"name"`
	DocumentGuid string    `json:"document_guid"`
	RegisteredAt time.Time `json:"registered_at"`
	IsEditable   bool      `json:"is_editable"`
	LastModified time.Time `json:"last_modified"`
}

type Borrow struct {
	Borrower   string    `json:"borrower"`
	ElementIds []string  `json:"element_ids"`
	BorrowedAt time.Time `json:"borrowed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RequestId  string    `json:"request_id"`
}

type BorrowRequest struct {
	RequestId   string    `json:"request_id"`
	WorksetId   string    `json:"workset_id"`
	ElementIds  []string  `json:"element_ids"`
	Borrower    string    `json:"borrower"`
	Owner       string    `json:"owner"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	Status      string    `json:"status"`
	ApprovedAt  time.Time `json:"approved_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

type WorksetStatus struct {
	WorksetId        string           `json:"workset_id"`
	Owner            string           `json:"owner"`
	Metadata         *WorksetMetadata `json:"metadata"`
	ActiveBorrows    int              `json:"active_borrows"`
	BorrowedElements int              `json:"borrowed_elements"`
	Borrowers        []string         `json:"borrowers"`
}

type ExpiredBorrow struct {
	WorksetId  string    `json:"workset_id"`
	Borrower   string    `json:"borrower"`
	ElementIds []string  `json:"element_ids"`
	ExpiredAt  time.Time `json:"expired_at"`
}

type WorksetContractSettings struct {
	BorrowTimeout        time.Duration
	MaxConcurrentBorrows int
}

func DefaultWorksetContractSettings() *WorksetContractSettings {
	return &WorksetContractSettings{
		BorrowTimeout:        defaultBorrowTimeout,
		MaxConcurrentBorrows: defaultMaxConcurrentBorrows,
	}
}

type WorksetContract struct {
	settings *WorksetContractSettings

	log LogFunction

	stateLock sync.Mutex

	// workset id -> owner id
	owners   map[string]string
	metadata map[string]*WorksetMetadata
	requests []*BorrowRequest
	// workset id -> active borrows
	activeBorrows map[string][]*Borrow
}

func NewWorksetContractWithDefaults() *WorksetContract {
	return NewWorksetContract(DefaultWorksetContractSettings())
}

func NewWorksetContract(settings *WorksetContractSettings) *WorksetContract {
	return &WorksetContract{
		settings:      settings,
		log:           LogFn(LogLevelDebug, "workset"),
		owners:        map[string]string{},
		metadata:      map[string]*WorksetMetadata{},
		requests:      []*BorrowRequest{},
		activeBorrows: map[string][]*Borrow{},
	}
}

// Register records a new workset or updates an existing one. Returns
// whether this was a first registration.
func (self *WorksetContract) Register(
	worksetId string,
	worksetName string,
	owner string,
	documentGuid string,
	isEditable bool,
) (isNew bool, returnErr error) {
	if worksetId == "" || worksetName == "" || owner == "" {
		return false, &RemoteRejection{
			Message: "Missing required parameters",
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, exists := self.owners[worksetId]
	self.owners[worksetId] = owner

	now := time.Now().UTC()
	self.metadata[worksetId] = &WorksetMetadata{
		Name:         worksetName,
		DocumentGuid: documentGuid,
		RegisteredAt: now,
		IsEditable:   isEditable,
		LastModified: now,
	}

	return !exists, nil
}

// TransferOwnership moves a workset between users. Transfers are
// blocked while any borrow is active.
func (self *WorksetContract) TransferOwnership(
	worksetId string,
	fromUser string,
	toUser string,
	timestamp int64,
) (transferId string, returnErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, exists := self.owners[worksetId]
	if !exists {
		return "", &RemoteRejection{
			Message: "Workset not found",
		}
	}
	if owner != fromUser {
		return "", &RemoteRejection{
			Message: fmt.Sprintf("User %s is not the current owner", fromUser),
		}
	}
	if 0 < len(self.activeBorrows[worksetId]) {
		return "", &RemoteRejection{
			Message: "Cannot transfer ownership with active borrows",
		}
	}

	self.owners[worksetId] = toUser
	self.metadata[worksetId].LastModified = time.Now().UTC()

	return newTransferId(worksetId, timestamp), nil
}

// RequestBorrow files a request to borrow elements from a workset the
// caller does not own. Requests start pending; the owner approves.
func (self *WorksetContract) RequestBorrow(
	worksetId string,
	elementIds []string,
	userId string,
	reason string,
) (*BorrowRequest, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, exists := self.owners[worksetId]
	if !exists {
		return nil, &RemoteRejection{
			Message: "Workset not found",
		}
	}
	if owner == userId {
		return nil, &RemoteRejection{
			Message: "Owner cannot borrow from own workset",
		}
	}

	userActiveBorrows := 0
	for _, borrows := range self.activeBorrows {
		for _, borrow := range borrows {
			if borrow.Borrower == userId {
				userActiveBorrows += 1
			}
		}
	}
	if self.settings.MaxConcurrentBorrows <= userActiveBorrows {
		return nil, &RemoteRejection{
			Message: fmt.Sprintf(
				"User has reached maximum concurrent borrows (%d)",
				self.settings.MaxConcurrentBorrows,
			),
		}
	}

	request := &BorrowRequest{
		RequestId:   newBorrowRequestId(worksetId, userId),
		WorksetId:   worksetId,
		ElementIds:  elementIds,
		Borrower:    userId,
		Owner:       owner,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
		Status:      "pending",
	}
	self.requests = append(self.requests, request)

	return request, nil
}

// ApproveBorrow lets the workset owner approve a pending request,
// activating the borrow with an expiry.
func (self *WorksetContract) ApproveBorrow(requestId string, ownerId string) (*BorrowRequest, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var request *BorrowRequest
	for _, r := range self.requests {
		if r.RequestId == requestId {
			request = r
			break
		}
	}
	if request == nil {
		return nil, &RemoteRejection{
			Message: "Request not found",
		}
	}
	if request.Owner != ownerId {
		return nil, &RemoteRejection{
			Message: "Only workset owner can approve",
		}
	}
	if request.Status != "pending" {
		return nil, &RemoteRejection{
			Message: fmt.Sprintf("Request already %s", request.Status),
		}
	}

	now := time.Now().UTC()
	request.Status = "approved"
	request.ApprovedAt = now
	request.ExpiresAt = now.Add(self.settings.BorrowTimeout)

	self.activeBorrows[request.WorksetId] = append(
		self.activeBorrows[request.WorksetId],
		&Borrow{
			Borrower:   request.Borrower,
			ElementIds: request.ElementIds,
			BorrowedAt: request.ApprovedAt,
			ExpiresAt:  request.ExpiresAt,
			RequestId:  requestId,
		},
	)

	return request, nil
}

// ReleaseBorrowed returns borrowed elements to the workset. A borrow
// with no elements left is removed entirely.
func (self *WorksetContract) ReleaseBorrowed(
	worksetId string,
	elementIds []string,
	userId string,
) (released []string, returnErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	borrows, exists := self.activeBorrows[worksetId]
	if !exists {
		return nil, &RemoteRejection{
			Message: "No active borrows for workset",
		}
	}

	releaseSet := map[string]bool{}
	for _, elementId := range elementIds {
		releaseSet[elementId] = true
	}

	released = []string{}
	userHadBorrows := false
	remainingBorrows := []*Borrow{}
	for _, borrow := range borrows {
		if borrow.Borrower != userId {
			remainingBorrows = append(remainingBorrows, borrow)
			continue
		}
		userHadBorrows = true

		remainingElements := []string{}
		for _, elementId := range borrow.ElementIds {
			if releaseSet[elementId] {
				released = append(released, elementId)
			} else {
				remainingElements = append(remainingElements, elementId)
			}
		}
		if 0 < len(remainingElements) {
			borrow.ElementIds = remainingElements
			remainingBorrows = append(remainingBorrows, borrow)
		}
	}

	if !userHadBorrows {
		return nil, &RemoteRejection{
			Message: "User has no active borrows",
		}
	}

	if len(remainingBorrows) == 0 {
		delete(self.activeBorrows, worksetId)
	} else {
		self.activeBorrows[worksetId] = remainingBorrows
	}

	return released, nil
}

// ExpireBorrows removes borrows whose expiry has passed and reports
// them.
func (self *WorksetContract) ExpireBorrows() []*ExpiredBorrow {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expired := []*ExpiredBorrow{}
	now := time.Now().UTC()

	for worksetId, borrows := range self.activeBorrows {
		remaining := []*Borrow{}
		for _, borrow := range borrows {
			if now.After(borrow.ExpiresAt) {
				self.log("expire %s %s (%d elements)", worksetId, borrow.Borrower, len(borrow.ElementIds))
				expired = append(expired, &ExpiredBorrow{
					WorksetId:  worksetId,
					Borrower:   borrow.Borrower,
					ElementIds: borrow.ElementIds,
					ExpiredAt:  borrow.ExpiresAt,
				})
			} else {
				remaining = append(remaining, borrow)
			}
		}
		if len(remaining) == 0 {
			delete(self.activeBorrows, worksetId)
		} else {
			self.activeBorrows[worksetId] = remaining
		}
	}

	return expired
}

func (self *WorksetContract) Status(worksetId string) (*WorksetStatus, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	owner, exists := self.owners[worksetId]
	if !exists {
		return nil, &RemoteRejection{
			Message: "Workset not found",
		}
	}

	borrows := self.activeBorrows[worksetId]
	borrowedElements := 0
	borrowerSet := map[string]bool{}
	for _, borrow := range borrows {
		borrowedElements += len(borrow.ElementIds)
		borrowerSet[borrow.Borrower] = true
	}
	borrowers := []string{}
	for borrower := range borrowerSet {
		borrowers = append(borrowers, borrower)
	}

	return &WorksetStatus{
		WorksetId:        worksetId,
		Owner:            owner,
		Metadata:         self.metadata[worksetId],
		ActiveBorrows:    len(borrows),
		BorrowedElements: borrowedElements,
		Borrowers:        borrowers,
	}, nil
}

// transfer and request ids are sha256-derived and truncated to 16 hex
// chars, matching the deployed contract.
func newTransferId(worksetId string, timestamp int64) string {
	return HashHexString(fmt.Sprintf("%s-%d-transfer", worksetId, timestamp))[:16]
}

func newBorrowRequestId(worksetId string, userId string) string {
	return HashHexString(fmt.Sprintf(
		"%s-%s-%s",
		worksetId,
		userId,
		time.Now().UTC().Format(time.RFC3339Nano),
	))[:16]
}

// TransferOwnershipParameters builds the parameter map for an
// ownership transfer, for submission through Client.CallContract.
func TransferOwnershipParameters(worksetId string, fromUser string, toUser string, documentGuid string) map[string]any {
	return map[string]any{
		"workset_id":    worksetId,
		"from_user":     fromUser,
		"to_user":       toUser,
		"timestamp":     microTimestamp(),
		"document_guid": documentGuid,
	}
}

func RegisterWorksetParameters(worksetId string, worksetName string, owner string, documentGuid string, isEditable bool) map[string]any {
	return map[string]any{
		"workset_id":    worksetId,
		"workset_name":  worksetName,
		"owner":         owner,
		"document_guid": documentGuid,
		"is_editable":   isEditable,
	}
}
