// Package ota implements the OTA orchestrator (spec.md component C6): a
// single-context download -> segment -> distribute -> apply state machine
// with rollback on terminal failure, driven on top of pkg/routing.
package ota

import (
	"github.com/ecunet/monitor/internal/config"
	"github.com/ecunet/monitor/pkg/routing"
)

const subscriberCapacity = 5
const segmentSize = 1024

// State is a node in the OTA state machine (spec.md §4.6).
type State int

const (
	Idle State = iota
	UpdateAvailable
	Downloading
	Distributing
	Applying
	Success
	Failure
	Rollback
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UpdateAvailable:
		return "update_available"
	case Downloading:
		return "downloading"
	case Distributing:
		return "distributing"
	case Applying:
		return "applying"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Rollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Segment is a non-owning view into a firmware buffer (spec.md §9 REDESIGN
// FLAG "Non-owning segment views"): offset/length pairs read against the
// buffer that produced them, rather than raw pointers into it.
type Segment struct {
	Offset int
	Length int
}

// Event is delivered to every registered subscriber on every state
// transition: (state, ecu_id, opaque_data) per spec.md §4.6.
type Event struct {
	State State
	ECU   config.ECU
	Data  interface{}
}

// Listener receives OTA state transitions.
type Listener interface {
	OnEvent(e Event)
}

// Advertiser polls the MQTT collaborator for an advertised firmware version.
type Advertiser interface {
	CheckUpdate(ecu config.ECU) (version uint32, advertised bool, err error)
}

// Downloader fetches firmware over MQTT and writes it to SD under destPath.
type Downloader interface {
	DownloadToSD(topic, destPath string) error
}

// FileReader loads a file already written to SD into memory.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// Applier is the platform OTA collaborator driving begin/write/end/set_boot.
type Applier interface {
	Begin(ecu string, size int) error
	Write(data []byte) error
	End() error
	SetBoot() error
}

// MessageSender is the subset of pkg/routing.Router this layer drives to
// distribute firmware segments (spec.md §4.6 distribute_firmware). It uses
// the synchronous send path since distribution must observe a per-segment
// failure before continuing.
type MessageSender interface {
	SendMessageSync(destID string, data []byte, mode routing.SendMode) error
}

// ConfigStore is the subset of internal/config.Store the OTA layer needs.
type ConfigStore interface {
	InstalledVersion(ecu config.ECU) uint32
	SetInstalledVersion(ecu config.ECU, version uint32) error
	MQTTTopic(ecu config.ECU) string
}
