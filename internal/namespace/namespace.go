// Package namespace holds the canonical XML namespaces, QNames, and action
// URIs used across the SOAP/DPWS/BICEPS wire format. Everything here is a
// compile-time table: no runtime reflection or dynamic registries, in
// favor of static dispatch tables.
package namespace

// XML namespace URIs, named after the prefixes used throughout the BICEPS
// and DPWS standards.
const (
	NSSoap12 = "http://www.w3.org/2003/05/soap-envelope"
	NSWSA    = "http://www.w3.org/2005/08/addressing"
	NSWSD    = "http://schemas.xmlsoap.org/ws/2005/04/discovery"
	NSWSE    = "http://schemas.xmlsoap.org/ws/2004/08/eventing"
	NSDPWS   = "http://docs.oasis-open.org/ws-dd/ns/dpws/2009/01"
	NSMDPWS  = "http://standards.ieee.org/downloads/11073/11073-20702-2016"
	NSMSG    = "http://standards.ieee.org/downloads/11073/11073-10207-2017/message"
	NSPM     = "http://standards.ieee.org/downloads/11073/11073-10207-2017/participant"
	NSExt    = "http://standards.ieee.org/downloads/11073/11073-10207-2017/extension"
	NSXSI    = "http://www.w3.org/2001/XMLSchema-instance"
)

// Multicast discovery well-known address, per WS-Discovery 2005/04 (IPv4).
const (
	DiscoveryMulticastAddress = "239.255.255.250"
	DiscoveryMulticastPort    = 3702
)

// WS-Discovery action URIs.
const (
	ActionHello        = NSWSD + "/Hello"
	ActionBye          = NSWSD + "/Bye"
	ActionProbe        = NSWSD + "/Probe"
	ActionProbeMatches = NSWSD + "/ProbeMatches"
	ActionResolve      = NSWSD + "/Resolve"
	ActionResolveMatch = NSWSD + "/ResolveMatches"
)

// WS-Discovery scope-matching algorithm URIs.
const (
	MatchByLDAP   = NSWSD + "/ldap"
	MatchByURI    = NSWSD + "/rfc3986"
	MatchByUUID   = NSWSD + "/uuid"
	MatchByStrcmp = NSWSD + "/strcmp0"
)

// WS-Eventing action URIs.
const (
	ActionSubscribe        = NSWSE + "/Subscribe"
	ActionSubscribeResp    = NSWSE + "/SubscribeResponse"
	ActionRenew            = NSWSE + "/Renew"
	ActionRenewResp        = NSWSE + "/RenewResponse"
	ActionUnsubscribe      = NSWSE + "/Unsubscribe"
	ActionUnsubscribeResp  = NSWSE + "/UnsubscribeResponse"
	ActionGetStatus        = NSWSE + "/GetStatus"
	ActionGetStatusResp    = NSWSE + "/GetStatusResponse"
	ActionSubscriptionEnd  = NSWSE + "/SubscriptionEnd"
)

// BICEPS message-model action URIs, grouped by port type. Names follow the
// BICEPS service/operation naming exactly so the dispatcher's action→handler
// map reads the same as the standard's own tables.
const (
	ActionGetMdib            = NSMSG + "/GetService/GetMdib"
	ActionGetMdibResponse    = NSMSG + "/GetService/GetMdibResponse"
	ActionGetMdDescription   = NSMSG + "/GetService/GetMdDescription"
	ActionGetMdDescriptionRsp = NSMSG + "/GetService/GetMdDescriptionResponse"
	ActionGetMdState         = NSMSG + "/GetService/GetMdState"
	ActionGetMdStateResponse = NSMSG + "/GetService/GetMdStateResponse"

	ActionSetValue             = NSMSG + "/SetService/SetValue"
	ActionSetValueResponse     = NSMSG + "/SetService/SetValueResponse"
	ActionSetString            = NSMSG + "/SetService/SetString"
	ActionSetStringResponse    = NSMSG + "/SetService/SetStringResponse"
	ActionActivate             = NSMSG + "/SetService/Activate"
	ActionActivateResponse     = NSMSG + "/SetService/ActivateResponse"
	ActionSetContextState      = NSMSG + "/SetService/SetContextState"
	ActionSetContextStateResp  = NSMSG + "/SetService/SetContextStateResponse"
	ActionSetMetricState       = NSMSG + "/SetService/SetMetricState"
	ActionSetMetricStateResp   = NSMSG + "/SetService/SetMetricStateResponse"
	ActionOperationInvokedReport = NSMSG + "/SetService/OperationInvokedReport"

	ActionEpisodicMetricReport    = NSMSG + "/StateEventService/EpisodicMetricReport"
	ActionPeriodicMetricReport    = NSMSG + "/StateEventService/PeriodicMetricReport"
	ActionEpisodicAlertReport     = NSMSG + "/StateEventService/EpisodicAlertReport"
	ActionPeriodicAlertReport     = NSMSG + "/StateEventService/PeriodicAlertReport"
	ActionEpisodicComponentReport = NSMSG + "/StateEventService/EpisodicComponentReport"
	ActionPeriodicComponentReport = NSMSG + "/StateEventService/PeriodicComponentReport"
	ActionEpisodicOperationalReport = NSMSG + "/StateEventService/EpisodicOperationalStateReport"
	ActionPeriodicOperationalReport = NSMSG + "/StateEventService/PeriodicOperationalStateReport"
	ActionSystemErrorReport       = NSMSG + "/StateEventService/SystemErrorReport"

	ActionEpisodicContextReport = NSMSG + "/ContextService/EpisodicContextReport"
	ActionPeriodicContextReport = NSMSG + "/ContextService/PeriodicContextReport"
	ActionSetContextStateSco    = NSMSG + "/ContextService/SetContextState"

	ActionDescriptionModificationReport = NSMSG + "/DescriptionEventService/DescriptionModificationReport"

	ActionWaveform = NSMSG + "/WaveformService/Waveform"

	ActionGetContainmentTree = NSMSG + "/ContainmentTreeService/GetContainmentTree"
)

// SOAP 1.2 fault codes/subcodes used by the dispatcher (§7 Protocol faults).
const (
	FaultCodeSender   = "Sender"
	FaultCodeReceiver = "Receiver"

	FaultSubcodeActionNotSupported   = NSWSA + "/ActionNotSupported"
	FaultSubcodeInvalidMessage       = NSSoap12 + "/InvalidMessage"
	FaultSubcodeDeliveryModeUnavail  = NSWSE + "/DeliveryModeRequestedUnavailable"
	FaultSubcodeInvalidExpiration    = NSWSE + "/InvalidExpirationTime"
	FaultSubcodeEventSourceUnable    = NSWSE + "/EventSourceUnableToProcess"
	FaultSubcodeUnknownSubscription  = NSWSE + "/UnknownSubscription"
)

// SubscriptionEnd status reasons, per WS-Eventing.
const (
	SubscriptionEndReasonSourceShuttingDown   = "SourceShuttingDown"
	SubscriptionEndReasonDeliveryFailure      = "DeliveryFailure"
	SubscriptionEndReasonSourceCancelling     = "SourceCancelling"
)
