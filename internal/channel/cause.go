package channel

import (
	"strconv"
	"strings"
)

// Cause is a hangup cause. Values up to 127 are Q.850 cause codes; larger
// values are internal causes without a Q.850 equivalent.
type Cause int

const (
	CauseNone                      Cause = 0
	CauseUnallocatedNumber         Cause = 1
	CauseNoRouteTransitNet         Cause = 2
	CauseNoRouteDestination        Cause = 3
	CauseChannelUnacceptable       Cause = 6
	CauseNormalClearing            Cause = 16
	CauseUserBusy                  Cause = 17
	CauseNoUserResponse            Cause = 18
	CauseNoAnswer                  Cause = 19
	CauseSubscriberAbsent          Cause = 20
	CauseCallRejected              Cause = 21
	CauseNumberChanged             Cause = 22
	CauseDestinationOutOfOrder     Cause = 27
	CauseInvalidNumberFormat       Cause = 28
	CauseFacilityRejected          Cause = 29
	CauseNormalUnspecified         Cause = 31
	CauseNormalCircuitCongestion   Cause = 34
	CauseNetworkOutOfOrder         Cause = 38
	CauseNormalTemporaryFailure    Cause = 41
	CauseSwitchCongestion          Cause = 42
	CauseBearerCapabilityNotAvail  Cause = 58
	CauseServiceUnavailable        Cause = 63
	CauseIncompatibleDestination   Cause = 88
	CauseRecoveryOnTimerExpire     Cause = 102
	CauseInterworking              Cause = 127
	CauseOriginatorCancel          Cause = 487
	CauseCrash                     Cause = 500
	CauseSystemShutdown            Cause = 501
	CauseLoseRace                  Cause = 502
	CauseManagerRequest            Cause = 503
	CauseBlindTransfer             Cause = 600
	CauseAttendedTransfer          Cause = 601
	CauseAllottedTimeout           Cause = 602
	CauseMediaTimeout              Cause = 604
)

var causeNames = map[Cause]string{
	CauseNone:                     "NONE",
	CauseUnallocatedNumber:        "UNALLOCATED_NUMBER",
	CauseNoRouteTransitNet:        "NO_ROUTE_TRANSIT_NET",
	CauseNoRouteDestination:       "NO_ROUTE_DESTINATION",
	CauseChannelUnacceptable:      "CHANNEL_UNACCEPTABLE",
	CauseNormalClearing:           "NORMAL_CLEARING",
	CauseUserBusy:                 "USER_BUSY",
	CauseNoUserResponse:           "NO_USER_RESPONSE",
	CauseNoAnswer:                 "NO_ANSWER",
	CauseSubscriberAbsent:         "SUBSCRIBER_ABSENT",
	CauseCallRejected:             "CALL_REJECTED",
	CauseNumberChanged:            "NUMBER_CHANGED",
	CauseDestinationOutOfOrder:    "DESTINATION_OUT_OF_ORDER",
	CauseInvalidNumberFormat:      "INVALID_NUMBER_FORMAT",
	CauseFacilityRejected:         "FACILITY_REJECTED",
	CauseNormalUnspecified:        "NORMAL_UNSPECIFIED",
	CauseNormalCircuitCongestion:  "NORMAL_CIRCUIT_CONGESTION",
	CauseNetworkOutOfOrder:        "NETWORK_OUT_OF_ORDER",
	CauseNormalTemporaryFailure:   "NORMAL_TEMPORARY_FAILURE",
	CauseSwitchCongestion:         "SWITCH_CONGESTION",
	CauseBearerCapabilityNotAvail: "BEARERCAPABILITY_NOTAVAIL",
	CauseServiceUnavailable:       "SERVICE_UNAVAILABLE",
	CauseIncompatibleDestination:  "INCOMPATIBLE_DESTINATION",
	CauseRecoveryOnTimerExpire:    "RECOVERY_ON_TIMER_EXPIRE",
	CauseInterworking:             "INTERWORKING",
	CauseOriginatorCancel:         "ORIGINATOR_CANCEL",
	CauseCrash:                    "CRASH",
	CauseSystemShutdown:           "SYSTEM_SHUTDOWN",
	CauseLoseRace:                 "LOSE_RACE",
	CauseManagerRequest:           "MANAGER_REQUEST",
	CauseBlindTransfer:            "BLIND_TRANSFER",
	CauseAttendedTransfer:         "ATTENDED_TRANSFER",
	CauseAllottedTimeout:          "ALLOTTED_TIMEOUT",
	CauseMediaTimeout:             "MEDIA_TIMEOUT",
}

func (c Cause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// Q850 maps the cause onto a Q.850 code. Internal causes report as
// NORMAL_CLEARING.
func (c Cause) Q850() int {
	if c > 0 && c <= 127 {
		return int(c)
	}
	return int(CauseNormalClearing)
}

// ParseCause accepts a cause name or its numeric value. Unknown input yields
// CauseNone.
func ParseCause(s string) Cause {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := causeNames[Cause(n)]; ok {
			return Cause(n)
		}
		return CauseNone
	}
	for c, name := range causeNames {
		if name == s {
			return c
		}
	}
	return CauseNone
}
