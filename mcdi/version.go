package mcdi

import (
	"context"
	"fmt"

	"github.com/frobware/go-nicctl"
)

// ProtocolMajor is the protocol major version this host speaks.
const ProtocolMajor = 2

// GetVersion queries the controller's protocol and firmware versions
// and remembers them for RequireMinor.
func (t *Transport) GetVersion(ctx context.Context) (Version, error) {
	var v Version
	if err := t.Call(ctx, OpGetVersion, nil, &v); err != nil {
		return Version{}, err
	}
	t.mu.Lock()
	t.version = v
	t.mu.Unlock()
	return v, nil
}

// Version returns the versions from the last GetVersion.
func (t *Transport) Version() Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// CheckMajor rejects a controller speaking another major version.
func (v Version) CheckMajor(want uint16) error {
	if v.Major != want {
		return fmt.Errorf("controller speaks protocol %d.%d, want major %d: %w", v.Major, v.Minor, want, nicctl.ErrNotSupported)
	}
	return nil
}

// RequireMinor fails with nicctl.ErrNotSupported when feature needs a
// newer minor version than the controller reported. A newer
// controller is always acceptable.
func (t *Transport) RequireMinor(feature string, minor uint16) error {
	v := t.Version()
	if v.Minor < minor {
		return fmt.Errorf("%s needs protocol %d.%d, controller has %d.%d: %w",
			feature, ProtocolMajor, minor, v.Major, v.Minor, nicctl.ErrNotSupported)
	}
	return nil
}
