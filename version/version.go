// Package version implements version negotiation between peers: each
// participant publishes a version file next to its datasite, and syncs are
// restricted to peers whose client and protocol versions match. Range-based
// compatibility is reserved; today the check is exact match.
package version

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Current version constants. The minimum-supported values carry the lower
// bounds a future range-based check will use.
const (
	ClientVersion             = "0.2.0"
	MinSupportedClientVersion = "0.2.0"
	ProtocolVersion           = "3"
	MinSupportedProtocol      = "3"
)

// Info is the version record published as SYFT_version.json.
type Info struct {
	ClientVersion             string    `json:"syft_client_version"`
	MinSupportedClientVersion string    `json:"min_supported_syft_client_version"`
	ProtocolVersion           string    `json:"protocol_version"`
	MinSupportedProtocol      string    `json:"min_supported_protocol_version"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Current returns the running client's version record.
func Current() *Info {
	return &Info{
		ClientVersion:             ClientVersion,
		MinSupportedClientVersion: MinSupportedClientVersion,
		ProtocolVersion:           ProtocolVersion,
		MinSupportedProtocol:      MinSupportedProtocol,
		UpdatedAt:                 time.Now().UTC(),
	}
}

// Checks selects which compatibility dimensions apply.
type Checks struct {
	Client   bool
	Protocol bool
}

// AllChecks enables both dimensions.
func AllChecks() Checks { return Checks{Client: true, Protocol: true} }

// IsCompatibleWith reports whether the two versions may sync.
func (v *Info) IsCompatibleWith(other *Info, checks Checks) bool {
	if checks.Protocol && v.ProtocolVersion != other.ProtocolVersion {
		return false
	}
	if checks.Client && v.ClientVersion != other.ClientVersion {
		return false
	}
	return true
}

// IncompatibilityReason describes why two versions cannot sync, or ""
// when they can.
func (v *Info) IncompatibilityReason(other *Info, checks Checks) string {
	reason := ""
	if checks.Protocol && v.ProtocolVersion != other.ProtocolVersion {
		reason = fmt.Sprintf("protocol version mismatch: local=%s, peer=%s",
			v.ProtocolVersion, other.ProtocolVersion)
	}
	if checks.Client && v.ClientVersion != other.ClientVersion {
		clientReason := fmt.Sprintf("client version mismatch: local=%s, peer=%s",
			v.ClientVersion, other.ClientVersion)
		if reason != "" {
			reason += "; " + clientReason
		} else {
			reason = clientReason
		}
	}
	return reason
}

// ToJSON serializes the record for the version file.
func (v *Info) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal version info")
	}
	return data, nil
}

// FromJSON parses a version file payload.
func FromJSON(data []byte) (*Info, error) {
	var v Info
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "parse version info")
	}
	return &v, nil
}
