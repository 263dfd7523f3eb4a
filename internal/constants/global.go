package constants

const AppName = "scangate"

// client <-> gate protocol headers
const (
	ProtocolRequestIDKey = "X-Request-ID"
	ProtocolErrorTypeKey = "X-Error-Type"
)

// gate -> backend forwarding headers
const (
	ForwardedForKey   = "X-Forwarded-For"
	RealIPKey         = "X-Real-IP"
	ForwardedProtoKey = "X-Forwarded-Proto"
	ForwardedHostKey  = "X-Forwarded-Host"
	ForwardedPortKey  = "X-Forwarded-Port"
)

const LogRequestIDKey = "request_id"
