package ota

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ecunet/monitor/internal/config"
	"github.com/ecunet/monitor/internal/errs"
	"github.com/ecunet/monitor/pkg/routing"
)

type subscriber struct {
	id       uint64
	callback Listener
}

// Orchestrator is the C6 OTA state machine. Exactly one update runs at a
// time across every ECU; the state field is the single source of truth for
// that exclusion (spec.md §4.6: "a second update for any ECU is refused").
type Orchestrator struct {
	advertiser Advertiser
	downloader Downloader
	reader     FileReader
	applier    Applier
	sender     MessageSender
	cfg        ConfigStore
	log        *logrus.Entry

	mu         sync.Mutex
	state      State
	ecu        config.ECU
	advertised uint32
	buffer     []byte
	segments   []Segment

	subMu       sync.Mutex
	nextSubID   uint64
	subscribers []subscriber
}

func New(advertiser Advertiser, downloader Downloader, reader FileReader, applier Applier, sender MessageSender, cfg ConfigStore) *Orchestrator {
	return &Orchestrator{
		advertiser: advertiser,
		downloader: downloader,
		reader:     reader,
		applier:    applier,
		sender:     sender,
		cfg:        cfg,
		log:        logrus.WithField("component", "ota"),
		state:      Idle,
	}
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RegisterCallback adds a subscriber, bounded at 5 (spec.md §4.6), returning
// a cancel func in the teacher's subscription idiom.
func (o *Orchestrator) RegisterCallback(cb Listener) (cancel func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	o.nextSubID++
	id := o.nextSubID
	if len(o.subscribers) >= subscriberCapacity {
		o.log.Warn("subscriber list full, dropping oldest")
		o.subscribers = o.subscribers[1:]
	}
	o.subscribers = append(o.subscribers, subscriber{id: id, callback: cb})

	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		for i, s := range o.subscribers {
			if s.id == id {
				o.subscribers = append(o.subscribers[:i], o.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (o *Orchestrator) setState(state State, ecu config.ECU, data interface{}) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{"state": state, "ecu": ecu}).Debug("ota state transition")

	o.subMu.Lock()
	subs := append([]subscriber{}, o.subscribers...)
	o.subMu.Unlock()
	for _, s := range subs {
		s.callback.OnEvent(Event{State: state, ECU: ecu, Data: data})
	}
}

// CheckUpdate polls the advertiser for ecu's advertised firmware version. If
// advertised > installed, transitions to UpdateAvailable and returns true.
func (o *Orchestrator) CheckUpdate(ecu config.ECU) (bool, error) {
	advertised, ok, err := o.advertiser.CheckUpdate(ecu)
	if err != nil {
		return false, fmt.Errorf("ota: check update for %s: %w", ecu, err)
	}
	installed := o.cfg.InstalledVersion(ecu)
	if !ok || advertised <= installed {
		return false, nil
	}

	o.mu.Lock()
	o.ecu = ecu
	o.advertised = advertised
	o.mu.Unlock()

	o.setState(UpdateAvailable, ecu, advertised)
	return true, nil
}

// DownloadFirmware rejects a second concurrent update, then downloads
// firmware for ecu to SD and loads it into the OTA buffer (spec.md §4.6).
func (o *Orchestrator) DownloadFirmware(ecu config.ECU) error {
	o.mu.Lock()
	if o.state != Idle && o.state != UpdateAvailable {
		o.mu.Unlock()
		return errs.ErrUpdateInProgress
	}
	o.ecu = ecu
	version := o.advertised
	o.mu.Unlock()

	o.setState(Downloading, ecu, nil)

	topic := o.cfg.MQTTTopic(ecu)
	destPath := fmt.Sprintf("firmware_%s_v%d.bin", ecu, version)

	if err := o.downloader.DownloadToSD(topic, destPath); err != nil {
		o.failTerminal(ecu)
		return fmt.Errorf("ota: download firmware for %s: %w", ecu, err)
	}
	data, err := o.reader.ReadFile(destPath)
	if err != nil {
		o.failTerminal(ecu)
		return fmt.Errorf("ota: load firmware for %s: %w", ecu, err)
	}

	o.mu.Lock()
	o.buffer = data
	o.mu.Unlock()
	return nil
}

// SegmentFirmware produces ceil(len(buf)/1024) non-owning segment
// descriptors over buf, the last carrying the remainder (spec.md §4.6). It
// is a pure function: callers own lifetime of buf.
func SegmentFirmware(buf []byte) ([]Segment, error) {
	if len(buf) == 0 {
		return nil, errs.ErrInvalidLength
	}
	count := (len(buf) + segmentSize - 1) / segmentSize
	segments := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		offset := i * segmentSize
		length := segmentSize
		if offset+length > len(buf) {
			length = len(buf) - offset
		}
		segments = append(segments, Segment{Offset: offset, Length: length})
	}
	return segments, nil
}

// DistributeFirmware segments the downloaded buffer and unicasts each
// segment to ecu over the routing layer. Any failure aborts distribution,
// discards segments, and sets FAILURE without rolling back the downloaded
// buffer: the supervisor owns distribute's retry policy (spec.md §4.6) and
// calls this again with the same buffer, so only retry exhaustion —
// RollbackUpdate, called by the supervisor — may discard it.
func (o *Orchestrator) DistributeFirmware(ecu config.ECU) error {
	o.mu.Lock()
	buf := o.buffer
	o.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("ota: distribute called for %s with no downloaded firmware: %w", ecu, errs.ErrNullInput)
	}

	segments, err := SegmentFirmware(buf)
	if err != nil {
		o.failOnly(ecu)
		return fmt.Errorf("ota: segment firmware for %s: %w", ecu, err)
	}

	o.mu.Lock()
	o.segments = segments
	o.mu.Unlock()
	o.setState(Distributing, ecu, len(segments))

	for _, seg := range segments {
		chunk := buf[seg.Offset : seg.Offset+seg.Length]
		if err := o.sendSegment(ecu, chunk); err != nil {
			o.mu.Lock()
			o.segments = nil
			o.mu.Unlock()
			o.failOnly(ecu)
			return fmt.Errorf("ota: distribute firmware for %s: %w", ecu, err)
		}
	}

	o.mu.Lock()
	o.segments = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) sendSegment(ecu config.ECU, data []byte) error {
	return o.sender.SendMessageSync(string(ecu), data, routing.Unicast)
}

// ApplyUpdate hands the buffer to the platform applier (begin, write, end,
// set_boot). On success the installed version is persisted and the buffer
// freed (spec.md §4.6). A failed step sets FAILURE and returns the error
// without discarding the buffer, so the supervisor's own retry policy can
// call ApplyUpdate again against the same downloaded firmware; only retry
// exhaustion rolls back.
func (o *Orchestrator) ApplyUpdate(ecu config.ECU) error {
	o.mu.Lock()
	buf := o.buffer
	version := o.advertised
	o.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("ota: apply called for %s with no downloaded firmware: %w", ecu, errs.ErrNullInput)
	}

	o.setState(Applying, ecu, nil)

	if err := o.applier.Begin(string(ecu), len(buf)); err != nil {
		o.failOnly(ecu)
		return fmt.Errorf("ota: apply begin for %s: %w", ecu, err)
	}
	if err := o.applier.Write(buf); err != nil {
		o.failOnly(ecu)
		return fmt.Errorf("ota: apply write for %s: %w", ecu, err)
	}
	if err := o.applier.End(); err != nil {
		o.failOnly(ecu)
		return fmt.Errorf("ota: apply end for %s: %w", ecu, err)
	}
	if err := o.applier.SetBoot(); err != nil {
		o.failOnly(ecu)
		return fmt.Errorf("ota: apply set_boot for %s: %w", ecu, err)
	}

	if err := o.cfg.SetInstalledVersion(ecu, version); err != nil {
		o.log.WithError(err).Warn("failed to persist installed version")
	}

	o.mu.Lock()
	o.buffer = nil
	o.mu.Unlock()

	o.setState(Success, ecu, version)
	o.setState(Idle, ecu, nil)
	return nil
}

// RollbackUpdate transitions to Rollback, then back to Idle, clearing any
// in-flight buffer/segments. Rollback success is observable only through the
// notification channel (spec.md §4.6).
func (o *Orchestrator) RollbackUpdate(ecu config.ECU) bool {
	o.setState(Rollback, ecu, nil)
	o.mu.Lock()
	o.buffer = nil
	o.segments = nil
	o.mu.Unlock()
	o.setState(Idle, ecu, nil)
	return true
}

// failTerminal handles a DOWNLOADING-stage failure: FAILURE -> IDLE with no
// rollback, since nothing has been distributed or applied yet.
func (o *Orchestrator) failTerminal(ecu config.ECU) {
	o.setState(Failure, ecu, nil)
	o.mu.Lock()
	o.buffer = nil
	o.mu.Unlock()
	o.setState(Idle, ecu, nil)
}

// failOnly handles a retryable DISTRIBUTING or APPLYING-stage failure: it
// sets FAILURE and nothing else, leaving the downloaded buffer intact for
// the supervisor's next retry attempt. Only the supervisor, on retry
// exhaustion, calls RollbackUpdate to actually discard it.
func (o *Orchestrator) failOnly(ecu config.ECU) {
	o.setState(Failure, ecu, nil)
}
