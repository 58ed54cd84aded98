package planner

import (
	"strings"

	"github.com/blang/semver/v4"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

const osDefault remote.ControllerType = "osdefault"

// legacyController is used when neither the request nor the guest OS table
// names a controller.
const legacyController = remote.ControllerLsiLogic

var recommendedControllers = []struct {
	prefix     string
	controller remote.ControllerType
}{
	{"windows9Server", remote.ControllerLsiLogicSAS},
	{"windows2019srv", remote.ControllerLsiLogicSAS},
	{"windows2022srv", remote.ControllerLsiLogicSAS},
	{"windows", remote.ControllerLsiLogicSAS},
	{"rhel", remote.ControllerParaVirtual},
	{"centos", remote.ControllerParaVirtual},
	{"rocky", remote.ControllerParaVirtual},
	{"almalinux", remote.ControllerParaVirtual},
	{"ubuntu", remote.ControllerParaVirtual},
	{"debian", remote.ControllerParaVirtual},
	{"sles", remote.ControllerParaVirtual},
	{"dos", remote.ControllerIDE},
	{"otherGuest", remote.ControllerIDE},
}

// controllerFor resolves the controller of a disk: the explicit request, then
// the guest OS recommendation, then the legacy default.
func controllerFor(requested remote.ControllerType, guestOS string) remote.ControllerType {
	if requested != "" && requested != osDefault {
		return requested
	}
	for _, r := range recommendedControllers {
		if strings.HasPrefix(guestOS, r.prefix) {
			return r.controller
		}
	}
	return legacyController
}

var hotAddUnsupported = []string{"dos", "win31", "win95", "win98", "winNT", "winXP", "otherGuest", "other24x", "other26x"}

func guestSupportsHotAdd(guestOS string) bool {
	if guestOS == "" {
		return false
	}
	for _, p := range hotAddUnsupported {
		if strings.HasPrefix(guestOS, p) {
			return false
		}
	}
	return true
}

var hotAddMinAPI = semver.MustParse("5.0.0")

// APIAtLeast reports whether an endpoint API version string is at or above
// min. Unparseable versions are treated as old.
func APIAtLeast(version string, min semver.Version) bool {
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	return v.GTE(min)
}
