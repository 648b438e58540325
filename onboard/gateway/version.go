package gateway

import (
	"fmt"

	"github.com/Masterminds/semver"
)

const (
	// FIRMWARE_VERSION is the constraint the robot controller firmware
	// must satisfy before the control loop is allowed to start.
	FIRMWARE_VERSION = "~1.0.0"
)

// CheckFirmware validates a firmware version string reported by the robot
// during the connection handshake against FIRMWARE_VERSION.
//
// "DEV" builds are accepted so bench firmware can be driven directly.
// todo: require an explicit flag before accepting DEV firmware
func CheckFirmware(versionString string) (err error) {
	if versionString == "DEV" {
		return nil
	}

	semVer, err := semver.NewVersion(versionString)
	if err != nil {
		return fmt.Errorf("unable to parse firmware version %q: %v", versionString, err)
	}

	constraint, err := semver.NewConstraint(FIRMWARE_VERSION)
	if err != nil {
		return
	}

	if !constraint.Check(semVer) {
		err = fmt.Errorf("unable to use robot: received firmware %s - require %s", versionString, FIRMWARE_VERSION)
	}

	return
}
