package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const AnchorVersion = "0.1.0"

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

type TransportRoute string

const (
	// stateless request/response submits
	TransportRouteRequest TransportRoute = "request"
	// persistent stream submits
	TransportRouteStream TransportRoute = "stream"
)

type ClientSettings struct {
	Route TransportRoute
	// fixed inter-submission delay for the offline queue drain
	DrainDelay time.Duration
	// skip the connectivity probe on construction
	SkipProbe bool
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Route:      TransportRouteRequest,
		DrainDelay: 100 * time.Millisecond,
	}
}

// Client owns the connectivity state and the offline queue. There are
// no ambient singletons; every producer call site holds the same client
// instance. Producers are fire-and-forget: two records submitted
// concurrently by two producers have no mutual ordering unless they are
// serialized through the offline queue. Delivery is at-least-once: a
// crash between a wire write and its ack can re-deliver on retry.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	api    *LedgerApi
	stream *StreamTransport
	signer Signer

	instanceId Id

	settings *ClientSettings

	queue *recordQueue

	stateLock       sync.Mutex
	connectionState ConnectionState

	drainTrigger chan struct{}
}

func NewClientWithDefaults(
	ctx context.Context,
	apiUrl string,
	streamUrl string,
	signer Signer,
) *Client {
	return NewClient(ctx, apiUrl, streamUrl, signer, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	streamUrl string,
	signer Signer,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	instanceId := NewId()

	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             NewLedgerApiWithContext(cancelCtx, apiUrl),
		signer:          signer,
		instanceId:      instanceId,
		settings:        settings,
		queue:           newRecordQueue(),
		connectionState: ConnectionStateDisconnected,
		drainTrigger:    make(chan struct{}, 1),
	}

	if settings.Route == TransportRouteStream {
		client.stream = NewStreamTransportWithDefaults(cancelCtx, streamUrl, instanceId)
		client.stream.AddDiagnosticListener(client.streamStatusChanged)
	}

	go client.run()

	if !settings.SkipProbe {
		client.probe()
	}

	return client
}

func (self *Client) InstanceId() Id {
	return self.instanceId
}

func (self *Client) Api() *LedgerApi {
	return self.api
}

func (self *Client) Stream() *StreamTransport {
	return self.stream
}

// SetByJwt attaches the platform bearer token to api calls. The claims
// are parsed (unverified) so submissions can be tied to a user in logs.
func (self *Client) SetByJwt(byJwt string) error {
	parsed, err := ParseByJwtUnverified(byJwt)
	if err != nil {
		return err
	}
	self.api.SetByJwt(byJwt)
	glog.V(2).Infof("[c]%s by jwt user=%s project=%s\n", self.instanceId, parsed.UserId, parsed.ProjectId)
	return nil
}

func (self *Client) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectionState
}

// setConnectionState is called only from the probe and the stream
// status handler. A transition into connected triggers a drain.
func (self *Client) setConnectionState(connectionState ConnectionState) {
	self.stateLock.Lock()
	previous := self.connectionState
	self.connectionState = connectionState
	self.stateLock.Unlock()

	if previous != ConnectionStateConnected && connectionState == ConnectionStateConnected {
		glog.V(2).Infof("[c]%s connected\n", self.instanceId)
		self.TriggerDrain()
	}
}

// one connectivity attempt. retry policy is the caller's: a reconnect
// event or a manual probe triggers the next attempt.
func (self *Client) probe() {
	self.setConnectionState(ConnectionStateConnecting)

	if self.settings.Route == TransportRouteStream {
		if self.stream.State() == StreamStateOpen {
			self.setConnectionState(ConnectionStateConnected)
			return
		}
		if err := self.stream.Connect(); err != nil {
			glog.Infof("[c]probe %s err = %s\n", self.instanceId, err)
			self.setConnectionState(ConnectionStateDisconnected)
			return
		}
		self.setConnectionState(ConnectionStateConnected)
		return
	}

	var err error
	if glog.V(2) {
		_, err = TraceWithReturnError(fmt.Sprintf("[c]probe %s", self.instanceId), self.api.GetStatus)
	} else {
		_, err = self.api.GetStatus()
	}
	if err != nil {
		glog.Infof("[c]probe %s err = %s\n", self.instanceId, err)
		self.setConnectionState(ConnectionStateDisconnected)
		return
	}
	self.setConnectionState(ConnectionStateConnected)
}

// Probe re-runs the connectivity check. Exposed for manual resync.
func (self *Client) Probe() {
	self.probe()
}

func (self *Client) streamStatusChanged(event *DiagnosticEvent) {
	switch event.State {
	case StreamStateOpen:
		self.setConnectionState(ConnectionStateConnected)
		// the stream's own outbound backlog drains alongside the queue
		go self.stream.DrainBacklog()
	case StreamStateFaulted, StreamStateIdle:
		self.setConnectionState(ConnectionStateDisconnected)
	}
}

// SubmitRecord hashes and signs the payload, then submits through the
// configured route. A transport-level failure is absorbed by enqueueing
// the record, returning a queued acknowledgement. A remote rejection is
// surfaced and not retried. Queued means eventual delivery, submitted
// means the service accepted the record.
func (self *Client) SubmitRecord(recordType string, payload map[string]any) (*SubmitResult, error) {
	record, err := self.newSignedRecord(recordType, payload)
	if err != nil {
		return nil, err
	}

	if self.ConnectionState() != ConnectionStateConnected {
		self.queue.Add(record)
		glog.V(2).Infof("[c]queue %s %s\n", self.instanceId, record.Id)
		return &SubmitResult{
			Status: SubmitStatusQueued,
			Id:     record.Id,
		}, nil
	}

	if err := self.submitConnected(record); err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			self.setConnectionState(ConnectionStateDisconnected)
			self.queue.Add(record)
			glog.Infof("[c]fallback queue %s %s = %s\n", self.instanceId, record.Id, err)
			return &SubmitResult{
				Status: SubmitStatusQueued,
				Id:     record.Id,
			}, nil
		}
		return nil, err
	}

	return &SubmitResult{
		Status: SubmitStatusSubmitted,
		Id:     record.Id,
	}, nil
}

func (self *Client) newSignedRecord(recordType string, payload map[string]any) (*Record, error) {
	dataHash, err := ParameterFingerprint(payload)
	if err != nil {
		return nil, err
	}
	// copy so the caller's map is never mutated. the record is
	// immutable once created.
	signedPayload := make(map[string]any, len(payload)+2)
	for key, value := range payload {
		signedPayload[key] = value
	}
	if dataHash != "" && self.signer != nil {
		signedPayload["data_hash"] = dataHash
		signedPayload["signature"] = self.signer.Sign(dataHash)
	}
	return NewRecord(recordType, signedPayload), nil
}

func (self *Client) submitConnected(record *Record) error {
	if self.settings.Route == TransportRouteStream {
		if self.stream.State() != StreamStateOpen {
			return &TransportError{
				Message: fmt.Sprintf("stream state %s", self.stream.State()),
			}
		}
		self.stream.Send(NewSubmitFrame(record))
		return nil
	}
	_, err := self.api.SubmitRecordSync(record)
	return err
}

// CallContract invokes a contract function. On the request route the
// result is synchronous. On the stream route the call is written to the
// wire and confirmation arrives later as a contract event correlated by
// request id. Contract calls are not queued offline.
func (self *Client) CallContract(contract string, function string, parameters map[string]any) (*ContractResult, error) {
	contractCall := NewContractCall(contract, function, parameters, self.instanceId.String())

	if self.ConnectionState() != ConnectionStateConnected {
		return nil, &TransportError{
			Message: "not connected",
		}
	}

	if self.settings.Route == TransportRouteStream {
		requestId := self.stream.Send(NewContractFrame(contractCall))
		return &ContractResult{
			Success:   true,
			RequestId: requestId,
		}, nil
	}

	return self.api.CallContractSync(contractCall)
}

// GetHistory degrades to an empty slice on any failure, by design.
func (self *Client) GetHistory(subjectId string) []*HistoryEntry {
	return self.api.GetHistory(subjectId)
}

// LogEvent is a fire-and-forget convenience around SubmitRecord. It
// never blocks the producer and never lets a failure escape.
func (self *Client) LogEvent(eventType string, subject string, details map[string]any) {
	payload := map[string]any{
		"event":   eventType,
		"subject": subject,
	}
	for key, value := range details {
		payload[key] = value
	}
	go HandleError(func() {
		if _, err := self.SubmitRecord(eventType, payload); err != nil {
			glog.V(2).Infof("[c]log event %s err = %s\n", self.instanceId, err)
		}
	})
}

func (self *Client) QueueSize() int {
	return self.queue.Size()
}

// TriggerDrain schedules a drain pass. Multiple triggers collapse into
// one pending pass.
func (self *Client) TriggerDrain() {
	select {
	case self.drainTrigger <- struct{}{}:
	default:
	}
}

// the single drain consumer
func (self *Client) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.drainTrigger:
			if glog.V(2) {
				Trace(fmt.Sprintf("[c]drain %s", self.instanceId), self.drain)
			} else {
				self.drain()
			}
		}
	}
}

// drain delivers queued records in fifo order while connected, with a
// fixed inter-submission delay. A transport failure re-queues the
// in-flight record at the head and stops, leaving the remainder for the
// next trigger. A remote rejection stops the pass without re-queueing
// the rejected record, since rejections are not retried.
func (self *Client) drain() {
	for {
		if self.ConnectionState() != ConnectionStateConnected {
			return
		}
		record := self.queue.PopHead()
		if record == nil {
			return
		}

		if err := self.submitConnected(record); err != nil {
			var transportErr *TransportError
			if errors.As(err, &transportErr) {
				self.queue.AddHead(record)
				self.setConnectionState(ConnectionStateDisconnected)
				glog.Infof("[c]drain stop %s %s = %s\n", self.instanceId, record.Id, err)
			} else {
				glog.Infof("[c]drain reject %s %s = %s\n", self.instanceId, record.Id, err)
			}
			return
		}
		glog.V(2).Infof("[c]drain %s %s->\n", self.instanceId, record.Id)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.DrainDelay):
		}
	}
}

// Close cancels the drain loop and any in-flight probe. Queued records
// are abandoned, which is not an error during shutdown.
func (self *Client) Close() {
	self.cancel()
	if self.stream != nil {
		self.stream.Close()
	}
	self.api.Close()
}
