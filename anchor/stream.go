package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type StreamState string

const (
	StreamStateIdle           StreamState = "idle"
	StreamStateConnecting     StreamState = "connecting"
	StreamStateAuthenticating StreamState = "authenticating"
	StreamStateOpen           StreamState = "open"
	StreamStateClosing        StreamState = "closing"
	StreamStateFaulted        StreamState = "faulted"
)

type StreamTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// fixed inter-message delay for the backlog drain
	BacklogDrainDelay time.Duration

	ClientType string
	Version    string
}

func DefaultStreamTransportSettings() *StreamTransportSettings {
	return &StreamTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		BacklogDrainDelay:  100 * time.Millisecond,
		ClientType:         "authoring_addin",
		Version:            AnchorVersion,
	}
}

// outbound frames

type OutboundFrame struct {
	Type       string         `json:"type"`
	Data       *Record        `json:"data,omitempty"`
	Contract   string         `json:"contract,omitempty"`
	Function   string         `json:"function,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Id         string         `json:"id"`
}

func NewSubmitFrame(record *Record) *OutboundFrame {
	return &OutboundFrame{
		Type:      "submit_transaction",
		Data:      record,
		Timestamp: microTimestamp(),
		Id:        record.Id,
	}
}

func NewContractFrame(contractCall *ContractCall) *OutboundFrame {
	return &OutboundFrame{
		Type:       "call_contract",
		Contract:   contractCall.Contract,
		Function:   contractCall.Function,
		Parameters: contractCall.Parameters,
		Timestamp:  microTimestamp(),
		Id:         contractCall.RequestId,
	}
}

type authenticateFrame struct {
	Type       string `json:"type"`
	ClientType string `json:"client_type"`
	Version    string `json:"version"`
	InstanceId string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
}

// inbound events

type BlockCreatedEvent struct {
	BlockIndex int64  `json:"block_index"`
	BlockHash  string `json:"block_hash"`
	Timestamp  int64  `json:"timestamp"`
}

type TransactionConfirmedEvent struct {
	TransactionId string `json:"transaction_id"`
	BlockIndex    int64  `json:"block_index"`
}

type ContractEvent struct {
	Contract string         `json:"contract"`
	Event    string         `json:"event"`
	Data     map[string]any `json:"data,omitempty"`
}

// DiagnosticEvent carries unrecognized frame types, parse failures, and
// connection status changes. Nothing inbound is silently dropped.
type DiagnosticEvent struct {
	State   StreamState
	Message string
	// raw frame text for unrecognized or malformed frames
	Frame string
}

type BlockCreatedFunction func(event *BlockCreatedEvent)
type TransactionConfirmedFunction func(event *TransactionConfirmedEvent)
type ContractEventFunction func(event *ContractEvent)
type DiagnosticFunction func(event *DiagnosticEvent)

// StreamTransport is the persistent bidirectional connection to the
// ledger service. It owns exactly one receive loop while open. Retry
// policy deliberately lives in the client, not here: the transport
// answers "can I talk to the wire", the client decides when to try
// again.
type StreamTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	streamUrl  string
	instanceId Id

	settings *StreamTransportSettings

	stateLock sync.Mutex
	state     StreamState
	ws        *websocket.Conn
	// serializes wire writes between Send, the backlog drain, and the
	// auth/close control frames
	writeLock     sync.Mutex
	receiveCancel context.CancelFunc

	backlog []*OutboundFrame

	blockCreatedCallbacks         *CallbackList[BlockCreatedFunction]
	transactionConfirmedCallbacks *CallbackList[TransactionConfirmedFunction]
	contractEventCallbacks        *CallbackList[ContractEventFunction]
	diagnosticCallbacks           *CallbackList[DiagnosticFunction]
}

func NewStreamTransportWithDefaults(
	ctx context.Context,
	streamUrl string,
	instanceId Id,
) *StreamTransport {
	return NewStreamTransport(ctx, streamUrl, instanceId, DefaultStreamTransportSettings())
}

func NewStreamTransport(
	ctx context.Context,
	streamUrl string,
	instanceId Id,
	settings *StreamTransportSettings,
) *StreamTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamTransport{
		ctx:                           cancelCtx,
		cancel:                        cancel,
		streamUrl:                     streamUrl,
		instanceId:                    instanceId,
		settings:                      settings,
		state:                         StreamStateIdle,
		backlog:                       []*OutboundFrame{},
		blockCreatedCallbacks:         NewCallbackList[BlockCreatedFunction](),
		transactionConfirmedCallbacks: NewCallbackList[TransactionConfirmedFunction](),
		contractEventCallbacks:        NewCallbackList[ContractEventFunction](),
		diagnosticCallbacks:           NewCallbackList[DiagnosticFunction](),
	}
}

func (self *StreamTransport) State() StreamState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *StreamTransport) setState(state StreamState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
}

func (self *StreamTransport) AddBlockCreatedListener(callback BlockCreatedFunction) func() {
	return self.blockCreatedCallbacks.Add(callback)
}

func (self *StreamTransport) AddTransactionConfirmedListener(callback TransactionConfirmedFunction) func() {
	return self.transactionConfirmedCallbacks.Add(callback)
}

func (self *StreamTransport) AddContractEventListener(callback ContractEventFunction) func() {
	return self.contractEventCallbacks.Add(callback)
}

func (self *StreamTransport) AddDiagnosticListener(callback DiagnosticFunction) func() {
	return self.diagnosticCallbacks.Add(callback)
}

func (self *StreamTransport) raiseDiagnostic(event *DiagnosticEvent) {
	for _, callback := range self.diagnosticCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// Connect opens the connection, sends the authenticate frame, and
// starts the receive loop. A failure transitions to faulted and raises
// a diagnostic event. Connect does not retry.
func (self *StreamTransport) Connect() error {
	self.stateLock.Lock()
	switch self.state {
	case StreamStateIdle, StreamStateFaulted:
	default:
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("connect from state %s", state)
	}
	self.state = StreamStateConnecting
	self.stateLock.Unlock()

	fault := func(err error) error {
		self.setState(StreamStateFaulted)
		self.raiseDiagnostic(&DiagnosticEvent{
			State:   StreamStateFaulted,
			Message: err.Error(),
		})
		return NewTransportError(err)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.streamUrl, nil)
	if err != nil {
		glog.Infof("[st]connect error %s = %s\n", self.instanceId, err)
		return fault(err)
	}

	self.setState(StreamStateAuthenticating)

	authBytes, err := json.Marshal(&authenticateFrame{
		Type:       "authenticate",
		ClientType: self.settings.ClientType,
		Version:    self.settings.Version,
		InstanceId: self.instanceId.String(),
		Timestamp:  microTimestamp(),
	})
	if err != nil {
		ws.Close()
		return fault(err)
	}

	self.writeLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	err = ws.WriteMessage(websocket.TextMessage, authBytes)
	self.writeLock.Unlock()
	if err != nil {
		glog.Infof("[st]auth error %s = %s\n", self.instanceId, err)
		ws.Close()
		return fault(err)
	}

	receiveCtx, receiveCancel := context.WithCancel(self.ctx)

	self.stateLock.Lock()
	self.ws = ws
	self.receiveCancel = receiveCancel
	self.state = StreamStateOpen
	self.stateLock.Unlock()

	go self.receiveLoop(receiveCtx, ws)

	self.raiseDiagnostic(&DiagnosticEvent{
		State:   StreamStateOpen,
		Message: "connected",
	})
	return nil
}

// Send serializes and writes the frame immediately when open, otherwise
// appends it to the outbound backlog. Either way the frame's
// client-assigned id is returned for later correlation. The id is not a
// delivery guarantee.
func (self *StreamTransport) Send(frame *OutboundFrame) string {
	self.stateLock.Lock()
	open := self.state == StreamStateOpen
	ws := self.ws
	if !open {
		self.backlog = append(self.backlog, frame)
	}
	self.stateLock.Unlock()

	if !open {
		glog.V(2).Infof("[st]backlog %s %s\n", self.instanceId, frame.Id)
		return frame.Id
	}

	if err := self.write(ws, frame); err != nil {
		glog.Infof("[st]-> error %s = %s\n", self.instanceId, err)
		self.stateLock.Lock()
		self.backlog = append(self.backlog, frame)
		self.stateLock.Unlock()
	} else {
		glog.V(2).Infof("[st]%s->\n", self.instanceId)
	}
	return frame.Id
}

func (self *StreamTransport) write(ws *websocket.Conn, frame *OutboundFrame) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frameBytes)
}

func (self *StreamTransport) BacklogSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.backlog)
}

// DrainBacklog walks the outbound backlog in fifo order, sending each
// frame with a fixed inter-message delay while the state stays open.
// A state change mid-drain stops immediately, leaving the remainder
// queued.
func (self *StreamTransport) DrainBacklog() {
	for {
		self.stateLock.Lock()
		if self.state != StreamStateOpen || len(self.backlog) == 0 {
			self.stateLock.Unlock()
			return
		}
		frame := self.backlog[0]
		self.backlog = self.backlog[1:]
		ws := self.ws
		self.stateLock.Unlock()

		if err := self.write(ws, frame); err != nil {
			glog.Infof("[st]drain error %s = %s\n", self.instanceId, err)
			self.stateLock.Lock()
			self.backlog = append([]*OutboundFrame{frame}, self.backlog...)
			self.stateLock.Unlock()
			return
		}
		glog.V(2).Infof("[st]drain %s %s->\n", self.instanceId, frame.Id)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.BacklogDrainDelay):
		}
	}
}

// the single background receive loop. the websocket layer reassembles
// fragmented frames, so each read is one logical message. a malformed
// message produces one diagnostic event and the loop continues.
func (self *StreamTransport) receiveLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		self.stateLock.Lock()
		deliberate := self.state == StreamStateClosing
		if self.ws == ws {
			self.ws = nil
			if deliberate {
				self.state = StreamStateIdle
			} else {
				self.state = StreamStateFaulted
			}
		}
		state := self.state
		self.stateLock.Unlock()

		ws.Close()
		self.raiseDiagnostic(&DiagnosticEvent{
			State:   state,
			Message: "disconnected",
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[sr]%s<- error = %s\n", self.instanceId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			self.dispatch(message)
		default:
			glog.V(2).Infof("[sr]other=%d %s<-\n", messageType, self.instanceId)
		}
	}
}

func (self *StreamTransport) dispatch(message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		protocolErr := &ProtocolError{
			Message: err.Error(),
		}
		self.raiseDiagnostic(&DiagnosticEvent{
			State:   self.State(),
			Message: protocolErr.Error(),
			Frame:   string(message),
		})
		return
	}

	switch head.Type {
	case "block_created":
		event := &BlockCreatedEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			self.dispatchError(err, message)
			return
		}
		for _, callback := range self.blockCreatedCallbacks.Get() {
			HandleError(func() {
				callback(event)
			})
		}
	case "transaction_confirmed":
		event := &TransactionConfirmedEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			self.dispatchError(err, message)
			return
		}
		for _, callback := range self.transactionConfirmedCallbacks.Get() {
			HandleError(func() {
				callback(event)
			})
		}
	case "contract_event":
		event := &ContractEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			self.dispatchError(err, message)
			return
		}
		for _, callback := range self.contractEventCallbacks.Get() {
			HandleError(func() {
				callback(event)
			})
		}
	default:
		// unrecognized types are delivered, not dropped
		self.raiseDiagnostic(&DiagnosticEvent{
			State:   self.State(),
			Message: fmt.Sprintf("unrecognized frame type %q", head.Type),
			Frame:   string(message),
		})
	}
	glog.V(2).Infof("[sr]%s<- %s\n", self.instanceId, head.Type)
}

func (self *StreamTransport) dispatchError(err error, message []byte) {
	protocolErr := &ProtocolError{
		Message: err.Error(),
	}
	self.raiseDiagnostic(&DiagnosticEvent{
		State:   self.State(),
		Message: protocolErr.Error(),
		Frame:   string(message),
	})
}

// Disconnect sends a normal-closure control frame if open, cancels the
// receive loop, and returns to idle.
func (self *StreamTransport) Disconnect() {
	self.stateLock.Lock()
	if self.state != StreamStateOpen {
		self.stateLock.Unlock()
		return
	}
	self.state = StreamStateClosing
	ws := self.ws
	receiveCancel := self.receiveCancel
	self.stateLock.Unlock()

	self.writeLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	self.writeLock.Unlock()

	ws.Close()
	if receiveCancel != nil {
		receiveCancel()
	}
}

// Close tears down the transport. Outstanding backlog entries are
// abandoned, which is not an error during shutdown.
func (self *StreamTransport) Close() {
	self.Disconnect()
	self.cancel()
}
