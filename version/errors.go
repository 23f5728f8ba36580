// errors.go defines the typed failures of version negotiation. Submission
// refuses on mismatch unless forced; syncs filter incompatible peers with a
// warning; job execution skips with a warning unless forced.
package version

import "fmt"

// MismatchError reports incompatible versions between the local client and
// a peer.
type MismatchError struct {
	PeerEmail    string
	LocalVersion *Info
	PeerVersion  *Info
	Reason       string
}

func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("version mismatch with peer %s: %s", e.PeerEmail, e.Reason)
	}
	return fmt.Sprintf("version mismatch with peer %s: local client=%s protocol=%s, peer client=%s protocol=%s",
		e.PeerEmail,
		e.LocalVersion.ClientVersion, e.LocalVersion.ProtocolVersion,
		e.PeerVersion.ClientVersion, e.PeerVersion.ProtocolVersion)
}

// UnknownError reports a peer that publishes no version information, which
// usually means an older client without version negotiation.
type UnknownError struct {
	PeerEmail string
	Operation string
}

func (e *UnknownError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("cannot %s for peer %s: version information not available", e.Operation, e.PeerEmail)
	}
	return fmt.Sprintf("unknown version for peer %s", e.PeerEmail)
}
