package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProtocolDiscard ReasonCode = "protocol_discard"

	ReasonRecognizerCreate   ReasonCode = "recognizer_create"
	ReasonRecognizerStart    ReasonCode = "recognizer_start"
	ReasonRecognizerStop     ReasonCode = "recognizer_stop"
	ReasonRecognizerRelease  ReasonCode = "recognizer_release"
	ReasonRecognizerCanceled ReasonCode = "recognizer_canceled"
	ReasonSinkOverflow       ReasonCode = "sink_overflow"

	ReasonWebhookSend        ReasonCode = "webhook_send"
	ReasonWebhookStatus      ReasonCode = "webhook_status"
	ReasonWebhookRateLimit   ReasonCode = "webhook_rate_limit"
	ReasonWebhookCircuitOpen ReasonCode = "webhook_circuit_open"

	ReasonTransportInvalidSignature ReasonCode = "transport_invalid_signature"
	ReasonTransportRead             ReasonCode = "transport_read"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)
