// Package engine runs the tag side of the access point conversation: channel
// scan, check-in, block download and transfer-complete notification. Every
// wait is bounded; nothing here blocks forever or panics on a bad frame.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "epdtag/internal/log"
	"epdtag/internal/model"
	"epdtag/internal/proto"
	"epdtag/internal/radio"
	"epdtag/internal/telemetry"
)

var (
	// ErrNoPeer means no access point answered a scan on any channel.
	ErrNoPeer = errors.New("engine: no access point found")
	// ErrNoReply means a request went unanswered within its window.
	ErrNoReply = errors.New("engine: no reply")
)

// Identity is what the tag reports about itself in every check-in.
type Identity struct {
	MAC          proto.MAC
	HWType       uint8
	SWVersion    uint16
	Capabilities uint8
	CustomMode   uint8
}

// Timing holds the receive windows. Protocol waits are short; the panel's
// refresh wait lives in the epd package and is two orders of magnitude
// longer.
type Timing struct {
	ScanWindow    time.Duration
	CheckInWindow time.Duration
	BlockWindow   time.Duration
	AckWindow     time.Duration
}

// DefaultTiming matches what access points answer within.
var DefaultTiming = Timing{
	ScanWindow:    100 * time.Millisecond,
	CheckInWindow: 250 * time.Millisecond,
	BlockWindow:   600 * time.Millisecond,
	AckWindow:     100 * time.Millisecond,
}

// Session is the radio state of one check-in cycle.
type Session struct {
	Channel      uint8         `json:"channel"`
	ChannelIndex int           `json:"channel_index"`
	Peer         proto.MAC     `json:"-"`
	PeerFound    bool          `json:"peer_found"`
	Seq          uint8         `json:"seq"`
	LastRSSI     int8          `json:"last_rssi"`
	LastLQI      uint8         `json:"last_lqi"`
	LastAckWait  time.Duration `json:"last_ack_wait"`
}

func (s *Session) nextSeq() uint8 {
	s.Seq++
	return s.Seq
}

// Engine owns the transport and the current Session. It is used from one
// goroutine only.
type Engine struct {
	tr       radio.Transport
	id       Identity
	channels []uint8
	timing   Timing
	tele     telemetry.Reader
	sess     Session
	sleep    func(ctx context.Context, d time.Duration) error
	log      appLog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(f func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = f }
}

// WithChannels overrides the scan order.
func WithChannels(chs []uint8) Option {
	return func(e *Engine) { e.channels = append([]uint8(nil), chs...) }
}

// WithTiming overrides the receive windows.
func WithTiming(t Timing) Option {
	return func(e *Engine) { e.timing = t }
}

func New(tr radio.Transport, id Identity, tele telemetry.Reader, opts ...Option) *Engine {
	e := &Engine{
		tr:       tr,
		id:       id,
		channels: radio.Channels,
		timing:   DefaultTiming,
		tele:     tele,
		sleep:    sleepCtx,
		log:      appLog.With("radio"),
	}
	for _, o := range opts {
		o(e)
	}
	e.sess = freshSession(0)
	return e
}

func freshSession(seq uint8) Session {
	return Session{ChannelIndex: -1, Peer: proto.BroadcastMAC, Seq: seq}
}

// Session returns a copy of the current session state.
func (e *Engine) Session() Session {
	return e.sess
}

// ScanForPeer tunes through the channel list, sending one Ping per channel.
// The first Pong ends the scan: its channel and sender become the session
// peer and no further channels are probed. ErrNoPeer is not fatal; CheckIn
// falls back to broadcasting.
func (e *Engine) ScanForPeer(ctx context.Context) (int, error) {
	e.sess = freshSession(e.sess.Seq)
	for i, ch := range e.channels {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if err := e.tr.SetChannel(ch); err != nil {
			return -1, fmt.Errorf("engine: tune channel %d: %w", ch, err)
		}
		frame := proto.EncodeBroadcast(e.sess.nextSeq(), e.id.MAC, proto.TypePing, proto.EncodeAddress(e.id.MAC))
		if err := e.tr.Send(frame); err != nil {
			return -1, fmt.Errorf("engine: send ping: %w", err)
		}

		f, pkt, err := e.await(ctx, e.timing.ScanWindow, func(f proto.Frame) bool {
			return f.Type == proto.TypePong
		})
		if errors.Is(err, ErrNoReply) {
			e.log.Debug("no pong", "channel", ch)
			continue
		}
		if err != nil {
			return -1, err
		}

		peer, derr := proto.DecodeAddress(f.Payload)
		if derr != nil {
			peer = f.Src
		}
		e.sess.Channel = ch
		e.sess.ChannelIndex = i
		e.sess.Peer = peer
		e.sess.PeerFound = true
		e.sess.LastRSSI = pkt.RSSI
		e.sess.LastLQI = pkt.LQI
		e.log.Info("access point found", "channel", ch, "peer", peer, "rssi", pkt.RSSI, "lqi", pkt.LQI)
		return i, nil
	}
	return -1, ErrNoPeer
}

// CheckIn sends an AvailDataReq and waits for the AvailDataInfo reply. With
// no scanned peer it broadcasts on every channel in turn and keeps the first
// channel that answers.
func (e *Engine) CheckIn(ctx context.Context, reason model.WakeReason) (model.CheckInResult, error) {
	st, err := e.tele.Read(ctx)
	if err != nil {
		e.log.Warn("telemetry read failed, using defaults", "err", err)
		st = telemetry.Status{VoltageMv: telemetry.DefaultVoltageMv, TemperatureC: telemetry.DefaultTemperatureC}
	}
	mv, temp := telemetry.Clamp(st)
	req := proto.AvailDataReq{
		LastLQI:      e.sess.LastLQI,
		LastRSSI:     e.sess.LastRSSI,
		Temperature:  temp,
		BatteryMv:    mv,
		HWType:       e.id.HWType,
		WakeReason:   uint8(reason),
		Capabilities: e.id.Capabilities,
		SWVersion:    e.id.SWVersion,
		Channel:      e.sess.Channel,
		CustomMode:   e.id.CustomMode,
	}

	if e.sess.PeerFound {
		return e.checkInOnce(ctx, req)
	}

	e.log.Info("no access point scanned, broadcasting check-in")
	for i, ch := range e.channels {
		if err := e.tr.SetChannel(ch); err != nil {
			return model.CheckInResult{}, fmt.Errorf("engine: tune channel %d: %w", ch, err)
		}
		e.sess.Channel = ch
		req.Channel = ch
		res, err := e.checkInOnce(ctx, req)
		if err == nil {
			e.sess.ChannelIndex = i
			return res, nil
		}
		if !errors.Is(err, ErrNoReply) {
			return model.CheckInResult{}, err
		}
	}
	e.sess.Channel = 0
	return model.CheckInResult{}, ErrNoReply
}

func (e *Engine) checkInOnce(ctx context.Context, req proto.AvailDataReq) (model.CheckInResult, error) {
	if err := e.send(proto.TypeAvailDataReq, req.Marshal()); err != nil {
		return model.CheckInResult{}, err
	}
	f, pkt, err := e.await(ctx, e.timing.CheckInWindow, func(f proto.Frame) bool {
		if f.Type != proto.TypeAvailDataInfo {
			return false
		}
		if _, err := proto.DecodeAvailDataInfo(f.Payload); err != nil {
			e.log.Debug("discarding check-in reply", "err", err)
			return false
		}
		return true
	})
	if err != nil {
		return model.CheckInResult{}, err
	}
	info, _ := proto.DecodeAvailDataInfo(f.Payload)

	if !e.sess.PeerFound {
		e.sess.Peer = f.Src
		e.sess.PeerFound = true
	}
	e.sess.LastRSSI = pkt.RSSI
	e.sess.LastLQI = pkt.LQI

	res := model.CheckInResult{
		Version:     info.DataVersion,
		Size:        info.DataSize,
		Type:        model.DataType(info.DataType),
		TypeArg:     info.DataTypeArg,
		NextCheckIn: info.NextCheckIn,
	}
	e.log.Info("check-in reply",
		"type", res.Type, "size", res.Size, "version", fmt.Sprintf("%016x", res.Version),
		"next_checkin_min", res.NextCheckIn, "rssi", pkt.RSSI)
	return res, nil
}

// RequestBlock asks for the parts of blockID not yet set in parts and, for
// one receive window, stores every matching part into buf at its offset.
// It returns the cumulative number of parts received; whether that is
// enough is the caller's decision.
func (e *Engine) RequestBlock(ctx context.Context, blockID int, version uint64, dataType model.DataType, buf []byte, parts *proto.Parts) (int, error) {
	if blockID < 0 || blockID > 0xFF {
		return parts.Count(), fmt.Errorf("engine: block id %d out of range", blockID)
	}
	req := proto.BlockRequest{
		Version: version,
		BlockID: uint8(blockID),
		Type:    uint8(dataType),
		Parts:   parts.Missing(),
	}
	if err := e.send(proto.TypeBlockRequest, req.Marshal()); err != nil {
		return parts.Count(), err
	}

	deadline := time.Now().Add(e.timing.BlockWindow)
	for !parts.Complete() {
		if err := ctx.Err(); err != nil {
			return parts.Count(), err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := e.tr.Receive(remaining)
		if errors.Is(err, radio.ErrTimeout) {
			break
		}
		if err != nil {
			return parts.Count(), fmt.Errorf("engine: receive: %w", err)
		}
		f, ok := e.accept(pkt)
		if !ok {
			continue
		}
		switch f.Type {
		case proto.TypeBlockRequestAck:
			ack, err := proto.DecodeBlockRequestAck(f.Payload)
			if err != nil {
				continue
			}
			e.sess.LastAckWait = time.Duration(ack.PleaseWaitMs) * time.Millisecond
			e.log.Debug("block request ack", "block", blockID, "please_wait_ms", ack.PleaseWaitMs)
		case proto.TypeBlockPart:
			p, err := proto.DecodeBlockPart(f.Payload)
			if err != nil {
				e.log.Debug("discarding block part", "err", err)
				continue
			}
			if int(p.BlockID) != blockID {
				continue
			}
			off := int(p.Index) * proto.PartDataSize
			if off < len(buf) {
				copy(buf[off:], p.Data[:])
			}
			parts.Set(int(p.Index))
			e.sess.LastRSSI = pkt.RSSI
			e.sess.LastLQI = pkt.LQI
		}
	}
	return parts.Count(), nil
}

// SendTransferComplete tells the access point the content arrived intact.
// A missing acknowledgement is logged, not returned.
func (e *Engine) SendTransferComplete(ctx context.Context) error {
	if err := e.send(proto.TypeXferComplete, proto.EncodeAddress(e.id.MAC)); err != nil {
		return err
	}
	_, _, err := e.await(ctx, e.timing.AckWindow, func(f proto.Frame) bool {
		return f.Type == proto.TypeXferCompleteAck
	})
	if errors.Is(err, ErrNoReply) {
		e.log.Warn("transfer complete not acknowledged")
		return nil
	}
	if err != nil {
		return err
	}
	e.log.Info("transfer complete acknowledged")
	return nil
}

// send frames a payload for the current peer, or broadcasts it when no peer
// is known.
func (e *Engine) send(typ byte, payload []byte) error {
	var frame []byte
	if e.sess.PeerFound {
		frame = proto.EncodeUnicast(e.sess.nextSeq(), e.sess.Peer, e.id.MAC, typ, payload)
	} else {
		frame = proto.EncodeBroadcast(e.sess.nextSeq(), e.id.MAC, typ, payload)
	}
	if err := e.tr.Send(frame); err != nil {
		return fmt.Errorf("engine: send %#02x: %w", typ, err)
	}
	return nil
}

// await receives until match accepts a frame or the window closes.
func (e *Engine) await(ctx context.Context, window time.Duration, match func(proto.Frame) bool) (proto.Frame, radio.Packet, error) {
	deadline := time.Now().Add(window)
	for {
		if err := ctx.Err(); err != nil {
			return proto.Frame{}, radio.Packet{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return proto.Frame{}, radio.Packet{}, ErrNoReply
		}
		pkt, err := e.tr.Receive(remaining)
		if errors.Is(err, radio.ErrTimeout) {
			return proto.Frame{}, radio.Packet{}, ErrNoReply
		}
		if err != nil {
			return proto.Frame{}, radio.Packet{}, fmt.Errorf("engine: receive: %w", err)
		}
		f, ok := e.accept(pkt)
		if ok && match(f) {
			return f, pkt, nil
		}
	}
}

// accept parses a packet and keeps it only if it is for us on our PAN.
func (e *Engine) accept(pkt radio.Packet) (proto.Frame, bool) {
	f, err := proto.ParseFrame(pkt.Data)
	if err != nil {
		e.log.Debug("dropping frame", "err", err, "len", len(pkt.Data))
		return f, false
	}
	if f.PAN != proto.PANID {
		return f, false
	}
	if !f.Broadcast && f.Dst != e.id.MAC {
		return f, false
	}
	return f, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
