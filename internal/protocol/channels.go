package protocol

import "strings"

// Channel prefixes. Per-session topics compose as <prefix>.<sessionId>;
// GatewayControlChannel is the bare broadcast topic every gateway instance
// listens on for session bootstrap.
const (
	PrefixInput   = "term.input"
	PrefixOutput  = "term.output"
	PrefixControl = "term.control"

	GatewayControlChannel = "gateway.control"
)

var sessionPrefixes = []string{PrefixInput, PrefixOutput, PrefixControl}

// Channel builds the topic name for a per-session prefix.
func Channel(prefix, sessionID string) string {
	return prefix + "." + sessionID
}

// InputChannel returns the client-to-engine topic for a session.
func InputChannel(sessionID string) string { return Channel(PrefixInput, sessionID) }

// OutputChannel returns the engine-to-client topic for a session.
func OutputChannel(sessionID string) string { return Channel(PrefixOutput, sessionID) }

// ControlChannel returns the lifecycle/control topic for a session.
func ControlChannel(sessionID string) string { return Channel(PrefixControl, sessionID) }

// ParseChannel recovers (prefix, sessionId) from a topic name, the exact
// inverse of Channel for known prefixes. Session-less broadcast topics
// return an empty sessionId. ok is false for unrecognized topics.
func ParseChannel(channel string) (prefix, sessionID string, ok bool) {
	if channel == GatewayControlChannel {
		return GatewayControlChannel, "", true
	}
	for _, p := range sessionPrefixes {
		if rest, found := strings.CutPrefix(channel, p+"."); found && rest != "" {
			return p, rest, true
		}
	}
	return "", "", false
}
