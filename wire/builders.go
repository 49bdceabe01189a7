package wire

import "time"

// NewStartStream creates a START_STREAM message
func NewStartStream(workerID string) *Message {
	m := newMessage(KindStartStream)
	m.StartStream = &StartStream{WorkerID: workerID}
	return m
}

// NewInitRequest creates an INIT_REQUEST message
func NewInitRequest(req InitRequest) *Message {
	m := newMessage(KindInitRequest)
	m.InitRequest = &req
	return m
}

// NewInitResponse creates an INIT_RESPONSE message
func NewInitResponse(resp InitResponse) *Message {
	m := newMessage(KindInitResponse)
	m.InitResponse = &resp
	return m
}

// NewFunctionLoadRequest creates a FUNCTION_LOAD_REQUEST message
func NewFunctionLoadRequest(req FunctionLoadRequest) *Message {
	m := newMessage(KindFunctionLoadRequest)
	m.FunctionLoadRequest = &req
	return m
}

// NewFunctionLoadResponse creates a FUNCTION_LOAD_RESPONSE message
func NewFunctionLoadResponse(resp FunctionLoadResponse) *Message {
	m := newMessage(KindFunctionLoadResponse)
	m.FunctionLoadResponse = &resp
	return m
}

// NewFunctionLoadRequestCollection creates a FUNCTION_LOAD_REQUEST_COLLECTION message
func NewFunctionLoadRequestCollection(reqs []FunctionLoadRequest) *Message {
	m := newMessage(KindFunctionLoadRequestCollection)
	m.FunctionLoadRequestCollection = &FunctionLoadRequestCollection{Requests: reqs}
	return m
}

// NewFunctionLoadResponseCollection creates a FUNCTION_LOAD_RESPONSE_COLLECTION message
func NewFunctionLoadResponseCollection(resps []FunctionLoadResponse) *Message {
	m := newMessage(KindFunctionLoadResponseCollection)
	m.FunctionLoadResponseCollection = &FunctionLoadResponseCollection{Responses: resps}
	return m
}

// NewMetadataRequest creates a METADATA_REQUEST message
func NewMetadataRequest(appDirectory string) *Message {
	m := newMessage(KindMetadataRequest)
	m.MetadataRequest = &MetadataRequest{AppDirectory: appDirectory}
	return m
}

// NewMetadataResponse creates a METADATA_RESPONSE message
func NewMetadataResponse(resp MetadataResponse) *Message {
	m := newMessage(KindMetadataResponse)
	m.MetadataResponse = &resp
	return m
}

// NewInvocationRequest creates an INVOCATION_REQUEST message
func NewInvocationRequest(req InvocationRequest) *Message {
	m := newMessage(KindInvocationRequest)
	m.InvocationRequest = &req
	return m
}

// NewInvocationResponse creates an INVOCATION_RESPONSE message
func NewInvocationResponse(resp InvocationResponse) *Message {
	m := newMessage(KindInvocationResponse)
	m.InvocationResponse = &resp
	return m
}

// NewInvocationCancel creates an INVOCATION_CANCEL message
func NewInvocationCancel(invocationID string) *Message {
	m := newMessage(KindInvocationCancel)
	m.InvocationCancel = &InvocationCancel{InvocationID: invocationID}
	return m
}

// NewStatusRequest creates a STATUS_REQUEST message correlated by requestID
func NewStatusRequest(requestID string) *Message {
	m := newMessage(KindStatusRequest)
	m.RequestID = requestID
	m.StatusRequest = &StatusRequest{}
	return m
}

// NewStatusResponse creates a STATUS_RESPONSE message answering requestID
func NewStatusResponse(requestID string) *Message {
	m := newMessage(KindStatusResponse)
	m.RequestID = requestID
	m.StatusResponse = &StatusResponse{}
	return m
}

// NewLog creates a LOG message
func NewLog(log Log) *Message {
	m := newMessage(KindLog)
	m.Log = &log
	return m
}

// NewUserLog creates a user-category LOG message for an invocation
func NewUserLog(invocationID string, level LogLevel, message string) *Message {
	return NewLog(Log{
		InvocationID: invocationID,
		Category:     LogCategoryUser,
		Level:        level,
		Message:      message,
	})
}

// NewSystemLog creates a system-category LOG message
func NewSystemLog(level LogLevel, message string) *Message {
	return NewLog(Log{
		Category: LogCategorySystem,
		Level:    level,
		Message:  message,
	})
}

// NewEnvironmentReloadRequest creates an ENVIRONMENT_RELOAD_REQUEST message
func NewEnvironmentReloadRequest(req EnvironmentReloadRequest) *Message {
	m := newMessage(KindEnvironmentReloadRequest)
	m.EnvironmentReloadRequest = &req
	return m
}

// NewEnvironmentReloadResponse creates an ENVIRONMENT_RELOAD_RESPONSE message
func NewEnvironmentReloadResponse(resp EnvironmentReloadResponse) *Message {
	m := newMessage(KindEnvironmentReloadResponse)
	m.EnvironmentReloadResponse = &resp
	return m
}

// NewWarmupRequest creates a WARMUP_REQUEST message
func NewWarmupRequest(workerDirectory string) *Message {
	m := newMessage(KindWarmupRequest)
	m.WarmupRequest = &WarmupRequest{WorkerDirectory: workerDirectory}
	return m
}

// NewWarmupResponse creates a WARMUP_RESPONSE message
func NewWarmupResponse(result *Result) *Message {
	m := newMessage(KindWarmupResponse)
	m.WarmupResponse = &WarmupResponse{Result: result}
	return m
}

// NewTerminate creates a TERMINATE message
func NewTerminate(gracePeriod time.Duration) *Message {
	m := newMessage(KindTerminate)
	m.Terminate = &Terminate{GracePeriodMillis: gracePeriod.Milliseconds()}
	return m
}

// NewCloseSharedMemoryResources creates a CLOSE_SHARED_MEMORY_RESOURCES message
func NewCloseSharedMemoryResources(mapNames []string) *Message {
	m := newMessage(KindCloseSharedMemoryResources)
	m.CloseSharedMemoryResources = &CloseSharedMemoryResources{MapNames: mapNames}
	return m
}

// Success returns a success Result.
func Success() *Result {
	return &Result{Status: StatusSuccess}
}

// Failure returns a failure Result carrying the given exception message.
func Failure(message string) *Result {
	return &Result{Status: StatusFailure, Exception: &Exception{Message: message}}
}
