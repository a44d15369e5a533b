package discovery

import (
	"encoding/json"
	"testing"
)

func TestRoomKeyFormat(t *testing.T) {
	r := &Registry{keyPrefix: "/rocketspeed", hostID: "host-1"}
	got := r.roomKey(3)
	want := "/rocketspeed/rooms/3/host-1"
	if got != want {
		t.Fatalf("roomKey = %q, want %q", got, want)
	}
}

func TestHostInfoRoundTrips(t *testing.T) {
	info := HostInfo{HostID: "host-1", Address: "10.0.0.1:58600", RoomID: 5, JoinedAt: "2026-08-06T00:00:00Z"}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded HostInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != info {
		t.Fatalf("decoded = %+v, want %+v", decoded, info)
	}
}
