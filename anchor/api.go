package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// every call is one envelope posted to <apiUrl>/api
type requestEnvelope struct {
	Method    string `json:"method"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LedgerApi is the stateless request/response transport. One record or
// contract call per call, json envelopes, no connection state.
type LedgerApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewLedgerApi(apiUrl string) *LedgerApi {
	return NewLedgerApiWithContext(context.Background(), apiUrl)
}

func NewLedgerApiWithContext(ctx context.Context, apiUrl string) *LedgerApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &LedgerApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *LedgerApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *LedgerApi) Close() {
	self.cancel()
}

type SubmitRecordCallback apiCallback[*SubmitRecordResult]

type SubmitRecordResult struct {
	TransactionId string `json:"transaction_id,omitempty"`
	BlockIndex    int64  `json:"block_index,omitempty"`
}

func (self *LedgerApi) SubmitRecord(record *Record, callback SubmitRecordCallback) {
	go call(
		self,
		"submit_transaction",
		record,
		&SubmitRecordResult{},
		callback,
	)
}

func (self *LedgerApi) SubmitRecordSync(record *Record) (*SubmitRecordResult, error) {
	return call(
		self,
		"submit_transaction",
		record,
		&SubmitRecordResult{},
		NewNoopApiCallback[*SubmitRecordResult](),
	)
}

type CallContractCallback apiCallback[*ContractResult]

func (self *LedgerApi) CallContract(contractCall *ContractCall, callback CallContractCallback) {
	go call(
		self,
		"call_contract",
		contractCall,
		&ContractResult{},
		callback,
	)
}

func (self *LedgerApi) CallContractSync(contractCall *ContractCall) (*ContractResult, error) {
	result, err := call(
		self,
		"call_contract",
		contractCall,
		&ContractResult{},
		NewNoopApiCallback[*ContractResult](),
	)
	if result != nil && result.RequestId == "" {
		result.RequestId = contractCall.RequestId
	}
	return result, err
}

type historyArgs struct {
	ElementId string `json:"element_id"`
}

type historyResult struct {
	Entries []*HistoryEntry `json:"entries"`
}

// GetHistory returns the remote history for an element. Any failure
// returns an empty sequence instead of an error. This lossy-read policy
// keeps read paths non-blocking for interactive callers and is
// intentional degraded behavior.
func (self *LedgerApi) GetHistory(elementId string) []*HistoryEntry {
	result, err := call(
		self,
		"get_element_history",
		&historyArgs{ElementId: elementId},
		&historyResult{},
		NewNoopApiCallback[*historyResult](),
	)
	if err != nil {
		glog.V(2).Infof("[api]history %s err = %s\n", elementId, err)
		return []*HistoryEntry{}
	}
	if result.Entries == nil {
		return []*HistoryEntry{}
	}
	return result.Entries
}

type StatusResult struct {
	BlockHeight int64 `json:"block_height,omitempty"`
}

// GetStatus is the connectivity probe.
func (self *LedgerApi) GetStatus() (*StatusResult, error) {
	return call(
		self,
		"get_status",
		nil,
		&StatusResult{},
		NewNoopApiCallback[*StatusResult](),
	)
}

func call[R any](api *LedgerApi, method string, args any, result R, callback apiCallback[R]) (R, error) {
	envelope := &requestEnvelope{
		Method:    method,
		Data:      args,
		Timestamp: microTimestamp(),
	}
	requestBodyBytes, err := json.Marshal(envelope)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	url := fmt.Sprintf("%s/api", api.apiUrl)
	req, err := http.NewRequestWithContext(api.ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if api.byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", api.byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := api.httpClient.Do(req)
	if err != nil {
		var empty R
		transportErr := NewTransportError(err)
		callback.Result(empty, transportErr)
		return empty, transportErr
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		var empty R
		transportErr := &TransportError{
			Message: fmt.Sprintf("status %d: %s", r.StatusCode, errorMessage),
		}
		callback.Result(empty, transportErr)
		return empty, transportErr
	}

	if err != nil {
		var empty R
		transportErr := NewTransportError(err)
		callback.Result(empty, transportErr)
		return empty, transportErr
	}

	var response responseEnvelope
	err = json.Unmarshal(responseBodyBytes, &response)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if !response.Success {
		rejection := &RemoteRejection{
			Message: response.Error,
		}
		callback.Result(result, rejection)
		return result, rejection
	}

	if 0 < len(response.Data) {
		err = json.Unmarshal(response.Data, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
