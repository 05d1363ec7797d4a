package engine

// Response is the envelope returned by every service call and stage.
type Response[T any] struct {
	Succeeded       bool          `json:"succeeded"`
	FriendlyMessage string        `json:"friendlyMessage,omitempty"`
	LogMessage      string        `json:"logMessage,omitempty"`
	Code            string        `json:"code,omitempty"`
	Details         []ErrorDetail `json:"details,omitempty"`
	// FailedStage names the stage that stopped the pipeline.
	FailedStage      string         `json:"failedStage,omitempty"`
	Data             T              `json:"data"`
	OutputParameters map[string]any `json:"outputParameters,omitempty"`
}

func OK[T any](data T) Response[T] {
	return Response[T]{Succeeded: true, Data: data}
}

func Fail[T any](err *AppError) Response[T] {
	return Response[T]{
		FriendlyMessage: err.Message,
		LogMessage:      err.LogMessage(),
		Code:            err.Code,
		Details:         err.Details,
	}
}

// Err rebuilds the AppError of a failed response.
func (r Response[T]) Err() *AppError {
	if r.Succeeded {
		return nil
	}
	return &AppError{
		Code:    r.Code,
		Status:  statusFor(r.Code),
		Message: r.FriendlyMessage,
		Details: r.Details,
		Log:     r.LogMessage,
	}
}

// convert carries the status fields of r over to a response of another type.
func convert[T, U any](r Response[T], data U) Response[U] {
	return Response[U]{
		Succeeded:        r.Succeeded,
		FriendlyMessage:  r.FriendlyMessage,
		LogMessage:       r.LogMessage,
		Code:             r.Code,
		Details:          r.Details,
		FailedStage:      r.FailedStage,
		Data:             data,
		OutputParameters: r.OutputParameters,
	}
}
