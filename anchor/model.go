package anchor

import (
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"time"
)

// a record is one submittable unit of work. immutable once created and
// owned by exactly one queue or in-flight transport attempt at a time.
type Record struct {
	Id        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"created_at"`
}

func NewRecord(recordType string, payload map[string]any) *Record {
	return &Record{
		Id:        newRecordId(),
		Type:      recordType,
		Payload:   payload,
		CreatedAt: microTimestamp(),
	}
}

type ContractCall struct {
	Contract   string         `json:"contract"`
	Function   string         `json:"function"`
	Parameters map[string]any `json:"parameters"`
	Caller     string         `json:"caller"`
	Timestamp  int64          `json:"timestamp"`
	RequestId  string         `json:"request_id"`
}

func NewContractCall(contract string, function string, parameters map[string]any, caller string) *ContractCall {
	return &ContractCall{
		Contract:   contract,
		Function:   function,
		Parameters: parameters,
		Caller:     caller,
		Timestamp:  microTimestamp(),
		RequestId:  newRecordId(),
	}
}

type HistoryEntry struct {
	TransactionId string         `json:"transaction_id"`
	BlockIndex    int64          `json:"block_index,omitempty"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

type SubmitStatus string

const (
	// accepted by the remote service
	SubmitStatusSubmitted SubmitStatus = "submitted"
	// retained locally for a later drain
	SubmitStatusQueued SubmitStatus = "queued"
)

type SubmitResult struct {
	Status SubmitStatus `json:"status"`
	Id     string       `json:"id"`
}

type ContractResult struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestId string `json:"request_id"`
}

// record ids embed the creation time so ordering by id approximates
// ordering by creation. unique with overwhelming probability but not
// unguessable. a correlation key, never an access control token.
func newRecordId() string {
	suffix := make([]byte, 4)
	mathrand.Read(suffix)
	return fmt.Sprintf(
		"%d-%06d-%s",
		microTimestamp(),
		mathrand.Intn(1000000),
		hex.EncodeToString(suffix),
	)
}

func microTimestamp() int64 {
	return time.Now().UnixMicro()
}
