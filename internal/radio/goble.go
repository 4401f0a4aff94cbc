package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/edgekit/blegate/internal/advdata"
	"github.com/edgekit/blegate/internal/ringchan"
)

// Nordic UART Service UUIDs. Peripherals expose a serial-style pipe:
// the gateway writes to the RX characteristic and receives notifications
// on the TX characteristic.
var (
	UARTServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	UARTRxCharUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	UARTTxCharUUID  = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

const (
	// writeChunkSize is the maximum number of bytes per BLE write.
	// BLE 4.0/4.1 defines an ATT_MTU of 23 bytes, 20 of payload after
	// the ATT header, so 20-byte chunks work on every BLE version.
	writeChunkSize = 20

	// writeChunkDelay spaces consecutive chunks so the peripheral's
	// receive buffer is not overwhelmed.
	writeChunkDelay = 10 * time.Millisecond

	// requestedMTU is offered during the MTU exchange on connect.
	// The exchange is best effort; peripherals keep their own cap.
	requestedMTU = 247

	// notificationBuffer bounds the per-link notification stream. A
	// stalled consumer drops the oldest payloads rather than blocking
	// the radio callback.
	notificationBuffer = 256

	// writeGateTimeout bounds how long a write waits for the radio
	// gate. Longer than the longest single gate hold (a dial attempt),
	// so a write only times out when the gate is wedged.
	writeGateTimeout = 30 * time.Second
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// gobleRadio is the go-ble backed Radio. All physical operations hold
// the injected Gate.
type gobleRadio struct {
	gate   *Gate
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// New returns a Radio backed by the host BLE adapter. Every physical
// operation serializes on gate.
func New(gate *Gate, logger *logrus.Logger) Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &gobleRadio{gate: gate, logger: logger}
}

// device lazily opens the adapter. Failure here means the radio is
// absent or powered off, which is fatal at the process level.
func (r *gobleRadio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev != nil {
		return r.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.dev = dev
	return dev, nil
}

func (r *gobleRadio) Dial(ctx context.Context, addr string) (Link, error) {
	a, err := CanonicalAddr(addr)
	if err != nil {
		return nil, err
	}

	if err := r.gate.Acquire(ctx); err != nil {
		return nil, Retryable(err)
	}
	defer r.gate.Release()

	dev, err := r.device()
	if err != nil {
		return nil, err
	}

	r.logger.WithField("address", a).Info("Connecting to BLE device")

	client, err := dev.Dial(ctx, ble.NewAddr(a))
	if err != nil {
		return nil, NormalizeError(err)
	}

	if _, err := client.ExchangeMTU(requestedMTU); err != nil {
		r.logger.WithError(err).WithField("address", a).Debug("MTU exchange failed, keeping default")
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, NormalizeError(fmt.Errorf("failed to discover profile: %w", err))
	}

	var rxChar, txChar *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(UARTServiceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(UARTRxCharUUID):
				rxChar = char
			case char.UUID.Equal(UARTTxCharUUID):
				txChar = char
			}
		}
	}
	if rxChar == nil || txChar == nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("UART service %s not found on %s", UARTServiceUUID, a)
	}

	lnk := &gobleLink{
		client:   client,
		rxChar:   rxChar,
		gate:     r.gate,
		addrType: AddrType(a),
		notifs:   ringchan.New[[]byte](notificationBuffer),
		logger:   r.logger.WithField("address", a),
	}

	if err := client.Subscribe(txChar, false, lnk.handleNotification); err != nil {
		_ = client.CancelConnection()
		return nil, NormalizeError(fmt.Errorf("failed to subscribe to TX characteristic: %w", err))
	}

	// Close the notification stream when the link drops so consumers
	// ranging over it terminate.
	go func() {
		<-client.Disconnected()
		lnk.shutdown()
	}()

	lnk.logger.Info("BLE link established")
	return lnk, nil
}

func (r *gobleRadio) Scan(ctx context.Context, h func(Advertisement)) error {
	if err := r.gate.Acquire(ctx); err != nil {
		return err
	}
	defer r.gate.Release()

	dev, err := r.device()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		a, cerr := CanonicalAddr(adv.Addr().String())
		if cerr != nil {
			return
		}
		h(Advertisement{
			Addr:     a,
			AddrType: AddrType(a),
			RSSI:     adv.RSSI(),
			Fields:   fieldsFromAdvertisement(adv),
		})
	})
	if err != nil && ctx.Err() == nil {
		return NormalizeError(fmt.Errorf("scan failed: %w", err))
	}
	return nil
}

// fieldsFromAdvertisement reconstructs raw AD structures from the
// decoded view go-ble exposes.
func fieldsFromAdvertisement(adv ble.Advertisement) []advdata.Field {
	var fields []advdata.Field

	if name := adv.LocalName(); name != "" {
		fields = append(fields, advdata.Field{Type: advdata.TypeLocalName, Value: []byte(name)})
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		fields = append(fields, advdata.Field{Type: advdata.TypeManufacturerData, Value: md})
	}
	if tx := adv.TxPowerLevel(); tx != 127 { // 127 means TX power not available
		fields = append(fields, advdata.Field{Type: advdata.TypeTxPower, Value: []byte{byte(int8(tx))}})
	}

	var short, long []byte
	for _, u := range adv.Services() {
		if u.Len() == 2 {
			short = append(short, u...)
		} else {
			long = append(long, u...)
		}
	}
	if len(short) > 0 {
		fields = append(fields, advdata.Field{Type: 0x03, Value: short})
	}
	if len(long) > 0 {
		fields = append(fields, advdata.Field{Type: 0x07, Value: long})
	}

	for _, sd := range adv.ServiceData() {
		fields = append(fields, advdata.Field{Type: 0x16, Value: append(append([]byte{}, sd.UUID...), sd.Data...)})
	}

	return fields
}

// gobleLink wraps one live ble.Client connection.
type gobleLink struct {
	client   ble.Client
	rxChar   *ble.Characteristic
	gate     *Gate
	addrType string
	notifs   *ringchan.RingChannel[[]byte]
	logger   *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

func (l *gobleLink) handleNotification(data []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	l.notifs.ForceSend(payload)
}

func (l *gobleLink) Write(p []byte) error {
	if err := l.gate.AcquireTimeout(writeGateTimeout); err != nil {
		return Retryable(err)
	}
	defer l.gate.Release()

	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return Retryable(fmt.Errorf("link to %s is closed", l.client.Addr()))
	}

	// Chunked write; the gate is held across the whole payload so the
	// peripheral sees it contiguously.
	for len(p) > 0 {
		n := len(p)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if err := l.client.WriteCharacteristic(l.rxChar, p[:n], false); err != nil {
			return NormalizeError(err)
		}
		p = p[n:]
		if len(p) > 0 {
			time.Sleep(writeChunkDelay)
		}
	}
	return nil
}

func (l *gobleLink) Notifications() <-chan []byte {
	return l.notifs.C()
}

func (l *gobleLink) Disconnected() <-chan struct{} {
	return l.client.Disconnected()
}

func (l *gobleLink) AddrType() string {
	return l.addrType
}

// shutdown marks the link closed and terminates the notification stream.
func (l *gobleLink) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.notifs.Close()
}

func (l *gobleLink) Close() error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if !closed {
		if err := l.client.CancelConnection(); err != nil {
			l.logger.WithError(err).Warn("Error disconnecting from device")
		}
		// shutdown runs via the Disconnected watcher; do it here too in
		// case the backend never signals.
		l.shutdown()
	}
	l.logger.Info("BLE link closed")
	return nil
}
