package wire

import (
	"fmt"
	"time"
)

// Protocol version carried in every envelope.
const ProtocolVersion uint8 = 1

// Kind identifies which payload a Message carries.
type Kind uint8

const (
	KindUnknown                        Kind = 0
	KindStartStream                    Kind = 1
	KindInitRequest                    Kind = 2
	KindInitResponse                   Kind = 3
	KindFunctionLoadRequest            Kind = 4
	KindFunctionLoadResponse           Kind = 5
	KindFunctionLoadRequestCollection  Kind = 6
	KindFunctionLoadResponseCollection Kind = 7
	KindMetadataRequest                Kind = 8
	KindMetadataResponse               Kind = 9
	KindInvocationRequest              Kind = 10
	KindInvocationResponse             Kind = 11
	KindInvocationCancel               Kind = 12
	KindStatusRequest                  Kind = 13
	KindStatusResponse                 Kind = 14
	KindLog                            Kind = 15
	KindEnvironmentReloadRequest       Kind = 16
	KindEnvironmentReloadResponse      Kind = 17
	KindWarmupRequest                  Kind = 18
	KindWarmupResponse                 Kind = 19
	KindTerminate                      Kind = 20
	KindCloseSharedMemoryResources     Kind = 21
)

// maxKind is the highest valid Kind value.
const maxKind = KindCloseSharedMemoryResources

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindStartStream:
		return "START_STREAM"
	case KindInitRequest:
		return "INIT_REQUEST"
	case KindInitResponse:
		return "INIT_RESPONSE"
	case KindFunctionLoadRequest:
		return "FUNCTION_LOAD_REQUEST"
	case KindFunctionLoadResponse:
		return "FUNCTION_LOAD_RESPONSE"
	case KindFunctionLoadRequestCollection:
		return "FUNCTION_LOAD_REQUEST_COLLECTION"
	case KindFunctionLoadResponseCollection:
		return "FUNCTION_LOAD_RESPONSE_COLLECTION"
	case KindMetadataRequest:
		return "METADATA_REQUEST"
	case KindMetadataResponse:
		return "METADATA_RESPONSE"
	case KindInvocationRequest:
		return "INVOCATION_REQUEST"
	case KindInvocationResponse:
		return "INVOCATION_RESPONSE"
	case KindInvocationCancel:
		return "INVOCATION_CANCEL"
	case KindStatusRequest:
		return "STATUS_REQUEST"
	case KindStatusResponse:
		return "STATUS_RESPONSE"
	case KindLog:
		return "LOG"
	case KindEnvironmentReloadRequest:
		return "ENVIRONMENT_RELOAD_REQUEST"
	case KindEnvironmentReloadResponse:
		return "ENVIRONMENT_RELOAD_RESPONSE"
	case KindWarmupRequest:
		return "WARMUP_REQUEST"
	case KindWarmupResponse:
		return "WARMUP_RESPONSE"
	case KindTerminate:
		return "TERMINATE"
	case KindCloseSharedMemoryResources:
		return "CLOSE_SHARED_MEMORY_RESOURCES"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Status is the outcome reported by the worker in a Result.
type Status uint8

const (
	StatusSuccess   Status = 0
	StatusFailure   Status = 1
	StatusCancelled Status = 2
)

// Exception describes a failure raised inside the worker.
type Exception struct {
	Message         string `cbor:"0,keyasint,omitempty"`
	StackTrace      string `cbor:"1,keyasint,omitempty"`
	Source          string `cbor:"2,keyasint,omitempty"`
	IsUserException bool   `cbor:"3,keyasint,omitempty"`
	Type            string `cbor:"4,keyasint,omitempty"`
}

// Result is the status block attached to worker responses.
type Result struct {
	Status    Status     `cbor:"0,keyasint"`
	Exception *Exception `cbor:"1,keyasint,omitempty"`
}

// IsSuccess reports whether the result carries a success status.
// A nil result counts as success.
func (r *Result) IsSuccess() bool {
	return r == nil || r.Status == StatusSuccess
}

// WorkerMetadata describes the worker runtime.
type WorkerMetadata struct {
	RuntimeName    string            `cbor:"0,keyasint,omitempty"`
	RuntimeVersion string            `cbor:"1,keyasint,omitempty"`
	WorkerVersion  string            `cbor:"2,keyasint,omitempty"`
	WorkerBitness  string            `cbor:"3,keyasint,omitempty"`
	CustomProps    map[string]string `cbor:"4,keyasint,omitempty"`
}

// StartStream is the first message a worker sends after connecting.
type StartStream struct {
	WorkerID string `cbor:"0,keyasint"`
}

// InitRequest carries host information and host capabilities to the worker.
type InitRequest struct {
	HostVersion     string            `cbor:"0,keyasint,omitempty"`
	WorkerDirectory string            `cbor:"1,keyasint,omitempty"`
	AppDirectory    string            `cbor:"2,keyasint,omitempty"`
	Capabilities    map[string]string `cbor:"3,keyasint,omitempty"`
}

// InitResponse carries the worker's capabilities.
type InitResponse struct {
	WorkerVersion  string            `cbor:"0,keyasint,omitempty"`
	Capabilities   map[string]string `cbor:"1,keyasint,omitempty"`
	Result         *Result           `cbor:"2,keyasint,omitempty"`
	WorkerMetadata *WorkerMetadata   `cbor:"3,keyasint,omitempty"`
}

// Binding describes one binding of a function as sent in a load request.
type Binding struct {
	Type      string `cbor:"0,keyasint"`
	Direction string `cbor:"1,keyasint"`
	DataType  string `cbor:"2,keyasint,omitempty"`
}

// FunctionMetadata is the per-function metadata sent in a load request.
type FunctionMetadata struct {
	Name       string             `cbor:"0,keyasint"`
	Directory  string             `cbor:"1,keyasint,omitempty"`
	ScriptFile string             `cbor:"2,keyasint,omitempty"`
	EntryPoint string             `cbor:"3,keyasint,omitempty"`
	IsProxy    bool               `cbor:"4,keyasint,omitempty"`
	Bindings   map[string]Binding `cbor:"5,keyasint,omitempty"`
	Properties map[string]string  `cbor:"6,keyasint,omitempty"`
}

// FunctionLoadRequest asks the worker to load one function.
type FunctionLoadRequest struct {
	FunctionID               string           `cbor:"0,keyasint"`
	Metadata                 FunctionMetadata `cbor:"1,keyasint"`
	ManagedDependencyEnabled bool             `cbor:"2,keyasint,omitempty"`
}

// FunctionLoadResponse reports the outcome of loading one function.
type FunctionLoadResponse struct {
	FunctionID             string  `cbor:"0,keyasint"`
	Result                 *Result `cbor:"1,keyasint,omitempty"`
	IsDependencyDownloaded bool    `cbor:"2,keyasint,omitempty"`
}

// FunctionLoadRequestCollection batches load requests into one message.
type FunctionLoadRequestCollection struct {
	Requests []FunctionLoadRequest `cbor:"0,keyasint"`
}

// FunctionLoadResponseCollection batches load responses into one message.
type FunctionLoadResponseCollection struct {
	Responses []FunctionLoadResponse `cbor:"0,keyasint"`
}

// MetadataRequest asks the worker to index the functions in a directory.
type MetadataRequest struct {
	AppDirectory string `cbor:"0,keyasint"`
}

// RetryOptions are per-function retry settings discovered by the worker.
type RetryOptions struct {
	MaxRetryCount int32  `cbor:"0,keyasint"`
	Strategy      string `cbor:"1,keyasint,omitempty"`
	DelayMillis   int64  `cbor:"2,keyasint,omitempty"`
	MinIntervalMs int64  `cbor:"3,keyasint,omitempty"`
	MaxIntervalMs int64  `cbor:"4,keyasint,omitempty"`
}

// IndexedFunction is one function discovered by the worker.
type IndexedFunction struct {
	FunctionID  string            `cbor:"0,keyasint"`
	Name        string            `cbor:"1,keyasint"`
	Directory   string            `cbor:"2,keyasint,omitempty"`
	ScriptFile  string            `cbor:"3,keyasint,omitempty"`
	EntryPoint  string            `cbor:"4,keyasint,omitempty"`
	Language    string            `cbor:"5,keyasint,omitempty"`
	RawBindings []string          `cbor:"6,keyasint,omitempty"`
	Properties  map[string]string `cbor:"7,keyasint,omitempty"`
	Status      *Result           `cbor:"8,keyasint,omitempty"`
	Retry       *RetryOptions     `cbor:"9,keyasint,omitempty"`
}

// MetadataResponse carries the functions discovered by the worker.
type MetadataResponse struct {
	Functions                  []IndexedFunction `cbor:"0,keyasint,omitempty"`
	Result                     *Result           `cbor:"1,keyasint,omitempty"`
	UseDefaultMetadataIndexing bool              `cbor:"2,keyasint,omitempty"`
}

// SharedMemoryRef points at a shared memory segment holding binding data.
type SharedMemoryRef struct {
	Name   string `cbor:"0,keyasint"`
	Offset int64  `cbor:"1,keyasint"`
	Count  int64  `cbor:"2,keyasint"`
	Type   string `cbor:"3,keyasint,omitempty"`
}

// ParameterBinding is one named input or output value. Exactly one of
// Data and SharedMemory is set; neither means an empty value.
type ParameterBinding struct {
	Name         string           `cbor:"0,keyasint"`
	Data         []byte           `cbor:"1,keyasint,omitempty"`
	SharedMemory *SharedMemoryRef `cbor:"2,keyasint,omitempty"`
}

// InvocationRequest asks the worker to execute a function.
type InvocationRequest struct {
	InvocationID    string             `cbor:"0,keyasint"`
	FunctionID      string             `cbor:"1,keyasint"`
	InputData       []ParameterBinding `cbor:"2,keyasint,omitempty"`
	TriggerMetadata map[string][]byte  `cbor:"3,keyasint,omitempty"`
	TraceContext    map[string]string  `cbor:"4,keyasint,omitempty"`
}

// InvocationResponse is the terminal message of an invocation.
type InvocationResponse struct {
	InvocationID string             `cbor:"0,keyasint"`
	OutputData   []ParameterBinding `cbor:"1,keyasint,omitempty"`
	ReturnValue  []byte             `cbor:"2,keyasint,omitempty"`
	Result       *Result            `cbor:"3,keyasint,omitempty"`
}

// InvocationCancel tells the worker an invocation's caller gave up.
type InvocationCancel struct {
	InvocationID string `cbor:"0,keyasint"`
}

// StatusRequest is a health/latency probe; correlation uses Message.RequestID.
type StatusRequest struct{}

// StatusResponse answers a StatusRequest.
type StatusResponse struct{}

// LogCategory tells user logs from system logs.
type LogCategory uint8

const (
	LogCategoryUser         LogCategory = 0
	LogCategorySystem       LogCategory = 1
	LogCategoryCustomMetric LogCategory = 2
)

// LogLevel mirrors the worker's severity scale.
type LogLevel uint8

const (
	LogLevelTrace       LogLevel = 0
	LogLevelDebug       LogLevel = 1
	LogLevelInformation LogLevel = 2
	LogLevelWarning     LogLevel = 3
	LogLevelError       LogLevel = 4
	LogLevelCritical    LogLevel = 5
	LogLevelNone        LogLevel = 6
)

// Log is a log line emitted by the worker, optionally tied to an invocation.
type Log struct {
	InvocationID string            `cbor:"0,keyasint,omitempty"`
	Category     LogCategory       `cbor:"1,keyasint,omitempty"`
	Level        LogLevel          `cbor:"2,keyasint,omitempty"`
	Message      string            `cbor:"3,keyasint,omitempty"`
	EventID      string            `cbor:"4,keyasint,omitempty"`
	Exception    *Exception        `cbor:"5,keyasint,omitempty"`
	Properties   map[string]string `cbor:"6,keyasint,omitempty"`
}

// CapabilitiesUpdateStrategy tells the host how to apply reported capabilities.
type CapabilitiesUpdateStrategy uint8

const (
	UpdateStrategyMerge   CapabilitiesUpdateStrategy = 0
	UpdateStrategyReplace CapabilitiesUpdateStrategy = 1
)

// EnvironmentReloadRequest re-specializes the worker environment.
type EnvironmentReloadRequest struct {
	EnvironmentVariables map[string]string `cbor:"0,keyasint,omitempty"`
	AppDirectory         string            `cbor:"1,keyasint,omitempty"`
}

// EnvironmentReloadResponse reports the outcome of a reload.
type EnvironmentReloadResponse struct {
	Capabilities   map[string]string          `cbor:"0,keyasint,omitempty"`
	UpdateStrategy CapabilitiesUpdateStrategy `cbor:"1,keyasint,omitempty"`
	Result         *Result                    `cbor:"2,keyasint,omitempty"`
	WorkerMetadata *WorkerMetadata            `cbor:"3,keyasint,omitempty"`
}

// WarmupRequest asks the worker to pre-warm.
type WarmupRequest struct {
	WorkerDirectory string `cbor:"0,keyasint,omitempty"`
}

// WarmupResponse reports the outcome of a warmup.
type WarmupResponse struct {
	Result *Result `cbor:"0,keyasint,omitempty"`
}

// Terminate asks the worker to shut down within the grace period.
type Terminate struct {
	GracePeriodMillis int64 `cbor:"0,keyasint"`
}

// GracePeriod returns the grace period as a duration.
func (t *Terminate) GracePeriod() time.Duration {
	return time.Duration(t.GracePeriodMillis) * time.Millisecond
}

// CloseSharedMemoryResources asks the worker to drop references to shared memory maps.
type CloseSharedMemoryResources struct {
	MapNames []string `cbor:"0,keyasint"`
}

// Message is the envelope exchanged over the duplex stream. Exactly one
// payload field is set, and it must match Kind.
type Message struct {
	Version   uint8  `cbor:"0,keyasint"`
	Kind      Kind   `cbor:"1,keyasint"`
	RequestID string `cbor:"2,keyasint,omitempty"`

	StartStream                    *StartStream                    `cbor:"10,keyasint,omitempty"`
	InitRequest                    *InitRequest                    `cbor:"11,keyasint,omitempty"`
	InitResponse                   *InitResponse                   `cbor:"12,keyasint,omitempty"`
	FunctionLoadRequest            *FunctionLoadRequest            `cbor:"13,keyasint,omitempty"`
	FunctionLoadResponse           *FunctionLoadResponse           `cbor:"14,keyasint,omitempty"`
	FunctionLoadRequestCollection  *FunctionLoadRequestCollection  `cbor:"15,keyasint,omitempty"`
	FunctionLoadResponseCollection *FunctionLoadResponseCollection `cbor:"16,keyasint,omitempty"`
	MetadataRequest                *MetadataRequest                `cbor:"17,keyasint,omitempty"`
	MetadataResponse               *MetadataResponse               `cbor:"18,keyasint,omitempty"`
	InvocationRequest              *InvocationRequest              `cbor:"19,keyasint,omitempty"`
	InvocationResponse             *InvocationResponse             `cbor:"20,keyasint,omitempty"`
	InvocationCancel               *InvocationCancel               `cbor:"21,keyasint,omitempty"`
	StatusRequest                  *StatusRequest                  `cbor:"22,keyasint,omitempty"`
	StatusResponse                 *StatusResponse                 `cbor:"23,keyasint,omitempty"`
	Log                            *Log                            `cbor:"24,keyasint,omitempty"`
	EnvironmentReloadRequest       *EnvironmentReloadRequest       `cbor:"25,keyasint,omitempty"`
	EnvironmentReloadResponse      *EnvironmentReloadResponse      `cbor:"26,keyasint,omitempty"`
	WarmupRequest                  *WarmupRequest                  `cbor:"27,keyasint,omitempty"`
	WarmupResponse                 *WarmupResponse                 `cbor:"28,keyasint,omitempty"`
	Terminate                      *Terminate                      `cbor:"29,keyasint,omitempty"`
	CloseSharedMemoryResources     *CloseSharedMemoryResources     `cbor:"30,keyasint,omitempty"`
}

// InvocationID returns the invocation id carried by kinds that have one,
// or "" for every other kind.
func (m *Message) InvocationID() string {
	switch m.Kind {
	case KindLog:
		if m.Log != nil {
			return m.Log.InvocationID
		}
	case KindInvocationRequest:
		if m.InvocationRequest != nil {
			return m.InvocationRequest.InvocationID
		}
	case KindInvocationResponse:
		if m.InvocationResponse != nil {
			return m.InvocationResponse.InvocationID
		}
	case KindInvocationCancel:
		if m.InvocationCancel != nil {
			return m.InvocationCancel.InvocationID
		}
	}
	return ""
}

// payloads returns the kinds of every non-nil payload field.
func (m *Message) payloads() []Kind {
	var kinds []Kind
	add := func(set bool, k Kind) {
		if set {
			kinds = append(kinds, k)
		}
	}
	add(m.StartStream != nil, KindStartStream)
	add(m.InitRequest != nil, KindInitRequest)
	add(m.InitResponse != nil, KindInitResponse)
	add(m.FunctionLoadRequest != nil, KindFunctionLoadRequest)
	add(m.FunctionLoadResponse != nil, KindFunctionLoadResponse)
	add(m.FunctionLoadRequestCollection != nil, KindFunctionLoadRequestCollection)
	add(m.FunctionLoadResponseCollection != nil, KindFunctionLoadResponseCollection)
	add(m.MetadataRequest != nil, KindMetadataRequest)
	add(m.MetadataResponse != nil, KindMetadataResponse)
	add(m.InvocationRequest != nil, KindInvocationRequest)
	add(m.InvocationResponse != nil, KindInvocationResponse)
	add(m.InvocationCancel != nil, KindInvocationCancel)
	add(m.StatusRequest != nil, KindStatusRequest)
	add(m.StatusResponse != nil, KindStatusResponse)
	add(m.Log != nil, KindLog)
	add(m.EnvironmentReloadRequest != nil, KindEnvironmentReloadRequest)
	add(m.EnvironmentReloadResponse != nil, KindEnvironmentReloadResponse)
	add(m.WarmupRequest != nil, KindWarmupRequest)
	add(m.WarmupResponse != nil, KindWarmupResponse)
	add(m.Terminate != nil, KindTerminate)
	add(m.CloseSharedMemoryResources != nil, KindCloseSharedMemoryResources)
	return kinds
}

// Validate checks the envelope: known kind, and exactly one payload that matches it.
func (m *Message) Validate() error {
	if m.Kind == KindUnknown || m.Kind > maxKind {
		return fmt.Errorf("invalid kind %d", m.Kind)
	}
	kinds := m.payloads()
	if len(kinds) != 1 {
		return fmt.Errorf("%s message must carry exactly one payload, found %d", m.Kind, len(kinds))
	}
	if kinds[0] != m.Kind {
		return fmt.Errorf("%s message carries a %s payload", m.Kind, kinds[0])
	}
	return nil
}

func newMessage(kind Kind) *Message {
	return &Message{Version: ProtocolVersion, Kind: kind}
}
