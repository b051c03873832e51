package model

// InvocationState mirrors the BICEPS InvocationState enum used throughout
// the asynchronous operation-invocation lifecycle (§4.I).
type InvocationState string

const (
	InvocationWait      InvocationState = "Wait"
	InvocationStarted   InvocationState = "Started"
	InvocationFin        InvocationState = "Fin"
	InvocationFail       InvocationState = "Fail"
	InvocationCancelled  InvocationState = "Cancelled"
)

// InvocationError mirrors the BICEPS InvocationError enum.
type InvocationError string

const (
	InvocationErrorNone        InvocationError = ""
	InvocationErrorUnknown     InvocationError = "Unknown"
	InvocationErrorInvalidValue InvocationError = "InvalidValue"
	InvocationErrorOther       InvocationError = "Other"
)

// OperationInvocation is the full lifecycle record of one invoked
// operation, from the immediate SOAP response through the final
// OperationInvokedReport (§4.I, S5).
type OperationInvocation struct {
	TransactionID       uint64
	OperationHandle     string
	InvocationState     InvocationState
	Error               InvocationError
	ErrorMessage        string
	OperationTargetRef  []string
}
