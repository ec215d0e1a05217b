package common

import (
	"fmt"
	"regexp"
	"strings"
)

// TopicKind the category of a relay topic
type TopicKind int

const (
	// TopicKindState vehicle state topic
	TopicKindState TopicKind = iota
	// TopicKindCamera vehicle camera binary stream topic
	TopicKindCamera
)

// String implements Stringer
func (k TopicKind) String() string {
	if k == TopicKindCamera {
		return "camera"
	}
	return "state"
}

// nameRegex validates vehicle ID and camera name segments of a topic key
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// TopicKey identifies one fan-out stream: either a vehicle's state updates,
// or the binary frame stream of one (vehicle, camera) pair
type TopicKey struct {
	Kind    TopicKind
	Vehicle string
	Camera  string
}

// StateTopic topic key for a vehicle's state stream
func StateTopic(vehicle string) TopicKey {
	return TopicKey{Kind: TopicKindState, Vehicle: vehicle}
}

// CameraTopic topic key for one camera's binary frame stream
func CameraTopic(vehicle, camera string) TopicKey {
	return TopicKey{Kind: TopicKindCamera, Vehicle: vehicle, Camera: camera}
}

// String the broker channel name for this topic
func (t TopicKey) String() string {
	if t.Kind == TopicKindCamera {
		return fmt.Sprintf("camera:%s:%s:stream", t.Vehicle, t.Camera)
	}
	return fmt.Sprintf("vehicle:%s:state", t.Vehicle)
}

// ControlChannel the broker control channel associated with a camera topic
func (t TopicKey) ControlChannel() string {
	return fmt.Sprintf("camera:%s:%s:control", t.Vehicle, t.Camera)
}

// ParseTopicKey parse a client supplied topic key string. Accepted forms are
// "vehicle:<id>:state" and "camera:<id>:<camera>:stream".
func ParseTopicKey(raw string) (TopicKey, error) {
	parts := strings.Split(raw, ":")
	switch {
	case len(parts) == 3 && parts[0] == "vehicle" && parts[2] == "state":
		if !nameRegex.MatchString(parts[1]) {
			return TopicKey{}, fmt.Errorf("invalid vehicle ID '%s'", parts[1])
		}
		return StateTopic(parts[1]), nil
	case len(parts) == 4 && parts[0] == "camera" && parts[3] == "stream":
		if !nameRegex.MatchString(parts[1]) {
			return TopicKey{}, fmt.Errorf("invalid vehicle ID '%s'", parts[1])
		}
		if !nameRegex.MatchString(parts[2]) {
			return TopicKey{}, fmt.Errorf("invalid camera name '%s'", parts[2])
		}
		return CameraTopic(parts[1], parts[2]), nil
	}
	return TopicKey{}, fmt.Errorf("unrecognized topic key '%s'", raw)
}

// ==========================================================================
// Key-value store key conventions

// VehicleStateKey KV key holding the latest state snapshot of a vehicle
func VehicleStateKey(vehicle string) string {
	return fmt.Sprintf("vehicle:%s:state", vehicle)
}

// CameraLatestKey KV key holding the latest frame of one (vehicle, camera)
func CameraLatestKey(vehicle, camera string) string {
	return fmt.Sprintf("camera:%s:%s:latest", vehicle, camera)
}

// CameraMetricsKey KV key holding the current metrics of one (vehicle, camera)
func CameraMetricsKey(vehicle, camera string) string {
	return fmt.Sprintf("camera:%s:%s:metrics", vehicle, camera)
}

// CameraMetricsHistoryKey KV key holding the capped metrics history
func CameraMetricsHistoryKey(vehicle, camera string) string {
	return fmt.Sprintf("camera:%s:%s:metrics_history", vehicle, camera)
}

// CameraStatusKey KV key holding the stream status record
func CameraStatusKey(vehicle, camera string) string {
	return fmt.Sprintf("camera:%s:%s:status", vehicle, camera)
}

// CommandChannel broker channel carrying operator commands toward a vehicle
func CommandChannel(vehicle string) string {
	return fmt.Sprintf("vehicle:%s:commands", vehicle)
}

// ParseStatusKey recover the (vehicle, camera) pair from a status KV key
func ParseStatusKey(key string) (string, string, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "camera" || parts[3] != "status" {
		return "", "", fmt.Errorf("'%s' is not a camera status key", key)
	}
	return parts[1], parts[2], nil
}
