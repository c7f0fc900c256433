package group

type Group uint8

const (
	GroupInvalid           Group = 0
	GroupOperationTimeout  Group = 1
	GroupDiscoverSettle    Group = 2
	GroupLivenessSweep     Group = 3
	GroupHeartbeatSend     Group = 4
	GroupBuzzWindow        Group = 5
	GroupAdvertiseResume   Group = 6
	GroupQuestionCountdown Group = 7
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupOperationTimeout:
		return "Operation Timeout"
	case GroupDiscoverSettle:
		return "Discover Settle"
	case GroupLivenessSweep:
		return "Liveness Sweep"
	case GroupHeartbeatSend:
		return "Heartbeat Send"
	case GroupBuzzWindow:
		return "Buzz Window"
	case GroupAdvertiseResume:
		return "Advertise Resume"
	case GroupQuestionCountdown:
		return "Question Countdown"
	default:
		return "Unknown Group"
	}
}
