package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// in-memory stand-in for the remote ledger service, request route
type testLedger struct {
	lock sync.Mutex

	// record ids in receipt order
	receivedIds []string
	records     map[string]*Record

	// respond with a 503 before reading anything
	failTransport bool
	// record the submission, then fail the response. simulates a crash
	// between the wire write and the ack.
	acceptThenFail bool

	rejectMessage string
}

func newTestLedger() *testLedger {
	return &testLedger{
		receivedIds: []string{},
		records:     map[string]*Record{},
	}
}

func (self *testLedger) setFailTransport(failTransport bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.failTransport = failTransport
}

func (self *testLedger) setAcceptThenFail(acceptThenFail bool) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.acceptThenFail = acceptThenFail
}

func (self *testLedger) setRejectMessage(rejectMessage string) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.rejectMessage = rejectMessage
}

func (self *testLedger) ids() []string {
	self.lock.Lock()
	defer self.lock.Unlock()
	ids := make([]string, len(self.receivedIds))
	copy(ids, self.receivedIds)
	return ids
}

func (self *testLedger) record(id string) *Record {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.records[id]
}

func (self *testLedger) serve(w http.ResponseWriter, r *http.Request) {
	self.lock.Lock()
	failTransport := self.failTransport
	acceptThenFail := self.acceptThenFail
	rejectMessage := self.rejectMessage
	self.lock.Unlock()

	if failTransport {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	var envelope testEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	respond := func(data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    data,
		})
	}

	switch envelope.Method {
	case "get_status":
		respond(&StatusResult{BlockHeight: 1})
	case "submit_transaction":
		if rejectMessage != "" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   rejectMessage,
			})
			return
		}
		var record Record
		json.Unmarshal(envelope.Data, &record)
		self.lock.Lock()
		self.receivedIds = append(self.receivedIds, record.Id)
		self.records[record.Id] = &record
		self.lock.Unlock()
		if acceptThenFail {
			http.Error(w, "crash before ack", http.StatusInternalServerError)
			return
		}
		respond(&SubmitRecordResult{TransactionId: "tx-" + record.Id})
	case "call_contract":
		var call ContractCall
		json.Unmarshal(envelope.Data, &call)
		respond(&ContractResult{
			Success:   true,
			RequestId: call.RequestId,
		})
	case "get_element_history":
		respond(&historyResult{Entries: []*HistoryEntry{}})
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
	}
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.DrainDelay = time.Millisecond
	return settings
}

func TestClientSubmitConnected(t *testing.T) {
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	signer := NewHashSigner("secret")
	client := NewClient(context.Background(), server.URL, "", signer, testClientSettings())
	defer client.Close()

	assert.Equal(t, client.ConnectionState(), ConnectionStateConnected)

	payload := map[string]any{
		"element_id": "e1",
		"change":     "geometry",
	}
	result, err := client.SubmitRecord("element_modified", payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Status, SubmitStatusSubmitted)

	received := ledger.record(result.Id)
	assert.NotEqual(t, received, nil)
	assert.Equal(t, received.Type, "element_modified")

	// the payload was hashed and signed before submission
	dataHash := received.Payload["data_hash"].(string)
	signature := received.Payload["signature"].(string)
	expectedHash, err := ParameterFingerprint(payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, dataHash, expectedHash)
	assert.Equal(t, signer.Verify(dataHash, signature), true)

	// the caller's map was not mutated
	assert.Equal(t, len(payload), 2)
}

func TestClientSubmitOfflineQueuedThenDrained(t *testing.T) {
	ledger := newTestLedger()
	ledger.setFailTransport(true)
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	assert.Equal(t, client.ConnectionState(), ConnectionStateDisconnected)

	queuedIds := []string{}
	for i := 0; i < 5; i++ {
		result, err := client.SubmitRecord("element_modified", map[string]any{
			"seq": fmt.Sprintf("%d", i),
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, result.Status, SubmitStatusQueued)
		queuedIds = append(queuedIds, result.Id)
	}
	assert.Equal(t, client.QueueSize(), 5)
	assert.Equal(t, len(ledger.ids()), 0)

	// connectivity returns; the reconnect drains unattended
	ledger.setFailTransport(false)
	client.Probe()

	waitFor(t, 5*time.Second, "queue drain", func() bool {
		return client.QueueSize() == 0 && len(ledger.ids()) == 5
	})

	// delivered in the exact order enqueued
	assert.Equal(t, ledger.ids(), queuedIds)
}

func TestClientFallbackQueueOnTransportFailure(t *testing.T) {
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	assert.Equal(t, client.ConnectionState(), ConnectionStateConnected)

	ledger.setFailTransport(true)
	result, err := client.SubmitRecord("element_modified", map[string]any{"element_id": "e1"})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Status, SubmitStatusQueued)
	assert.Equal(t, client.ConnectionState(), ConnectionStateDisconnected)
	assert.Equal(t, client.QueueSize(), 1)
}

func TestClientRemoteRejectionSurfaced(t *testing.T) {
	ledger := newTestLedger()
	ledger.setRejectMessage("unknown record type")
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	_, err := client.SubmitRecord("bogus", map[string]any{"element_id": "e1"})
	rejection, ok := err.(*RemoteRejection)
	assert.Equal(t, ok, true)
	assert.Equal(t, rejection.Message, "unknown record type")
	// rejections are not queued for retry
	assert.Equal(t, client.QueueSize(), 0)
}

func TestClientConcurrentProducers(t *testing.T) {
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	producerCount := 4
	recordsPerProducer := 8

	var wg sync.WaitGroup
	for p := 0; p < producerCount; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < recordsPerProducer; i++ {
				_, err := client.SubmitRecord("element_modified", map[string]any{
					"producer": fmt.Sprintf("p%d", p),
					"seq":      fmt.Sprintf("%d", i),
				})
				assert.Equal(t, err, nil)
			}
		}()
	}
	wg.Wait()

	// n x m delivered, no duplicates under normal operation
	ids := ledger.ids()
	assert.Equal(t, len(ids), producerCount*recordsPerProducer)
	unique := map[string]bool{}
	for _, id := range ids {
		unique[id] = true
	}
	assert.Equal(t, len(unique), producerCount*recordsPerProducer)
}

func TestClientAtLeastOnceRedelivery(t *testing.T) {
	// a failure between the wire write and the ack re-delivers the
	// record. duplicates are acceptable here; silent loss is not.
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	ledger.setAcceptThenFail(true)
	result, err := client.SubmitRecord("element_modified", map[string]any{"element_id": "e1"})
	assert.Equal(t, err, nil)
	// the service recorded it, but the client only knows it is queued
	assert.Equal(t, result.Status, SubmitStatusQueued)
	assert.Equal(t, len(ledger.ids()), 1)

	ledger.setAcceptThenFail(false)
	client.Probe()

	waitFor(t, 5*time.Second, "redelivery", func() bool {
		return len(ledger.ids()) == 2
	})

	ids := ledger.ids()
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], result.Id)
	assert.Equal(t, client.QueueSize(), 0)
}

func TestClientCallContract(t *testing.T) {
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	result, err := client.CallContract(
		WorksetContractName,
		"transfer_ownership",
		TransferOwnershipParameters("w1", "alice", "bob", "doc-1"),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.RequestId == "", false)

	// contract calls are not queued offline
	ledger.setFailTransport(true)
	client.Probe()
	_, err = client.CallContract(WorksetContractName, "get_workset_status", map[string]any{"workset_id": "w1"})
	_, ok := err.(*TransportError)
	assert.Equal(t, ok, true)
}

func TestClientLogEvent(t *testing.T) {
	ledger := newTestLedger()
	server := httptest.NewServer(http.HandlerFunc(ledger.serve))
	defer server.Close()

	client := NewClient(context.Background(), server.URL, "", NewHashSigner("secret"), testClientSettings())
	defer client.Close()

	client.LogEvent("document_synced", "doc-1", map[string]any{
		"element_count": "118",
	})

	waitFor(t, 5*time.Second, "log event delivery", func() bool {
		ids := ledger.ids()
		if len(ids) != 1 {
			return false
		}
		record := ledger.record(ids[0])
		return record.Type == "document_synced" &&
			record.Payload["subject"] == "doc-1" &&
			record.Payload["element_count"] == "118"
	})
}

func TestClientStreamRouteQueueAndDrain(t *testing.T) {
	frames := make(chan *OutboundFrame, 16)
	done := make(chan struct{})
	server := newTestStreamServer(func(conn *websocket.Conn) {
		conn.ReadMessage()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame OutboundFrame
			json.Unmarshal(message, &frame)
			frames <- &frame
		}
	})
	defer server.Close()
	defer close(done)

	settings := testClientSettings()
	settings.Route = TransportRouteStream
	settings.SkipProbe = true

	client := NewClient(context.Background(), "", wsUrl(server), NewHashSigner("secret"), settings)
	defer client.Close()

	assert.Equal(t, client.ConnectionState(), ConnectionStateDisconnected)

	// offline submissions are retained in order
	queuedIds := []string{}
	for i := 0; i < 3; i++ {
		result, err := client.SubmitRecord("element_modified", map[string]any{
			"seq": fmt.Sprintf("%d", i),
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, result.Status, SubmitStatusQueued)
		queuedIds = append(queuedIds, result.Id)
	}
	assert.Equal(t, client.QueueSize(), 3)

	client.Probe()
	waitFor(t, 5*time.Second, "connected", func() bool {
		return client.ConnectionState() == ConnectionStateConnected
	})

	for _, queuedId := range queuedIds {
		select {
		case frame := <-frames:
			assert.Equal(t, frame.Type, "submit_transaction")
			assert.Equal(t, frame.Id, queuedId)
		case <-time.After(5 * time.Second):
			t.Fatal("queued record not delivered over stream")
		}
	}

	// connected submissions go straight to the wire
	result, err := client.SubmitRecord("element_modified", map[string]any{"seq": "live"})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Status, SubmitStatusSubmitted)
	select {
	case frame := <-frames:
		assert.Equal(t, frame.Id, result.Id)
	case <-time.After(5 * time.Second):
		t.Fatal("live record not delivered over stream")
	}
}
