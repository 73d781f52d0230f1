// Package ble links the bridge to a micro:bit over the Nordic UART
// service.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/mossy-p/telepresence/internal/bridge"
)

const (
	DefaultNamePrefix = "BBC micro:bit"
	DefaultService    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultWriteChar  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNotifyChar = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

var ErrNoWriteCharacteristic = errors.New("ble: uart write characteristic not found")

type Config struct {
	NamePrefix string
	Service    string
	WriteChar  string
	NotifyChar string

	// ScanTimeout bounds the search for an advertising device; zero
	// waits for ctx.
	ScanTimeout time.Duration
}

// Dialer scans for the first advertising device whose name starts with
// NamePrefix.
type Dialer struct {
	cfg     Config
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*device
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.WriteChar == "" {
		cfg.WriteChar = DefaultWriteChar
	}
	if cfg.NotifyChar == "" {
		cfg.NotifyChar = DefaultNotifyChar
	}
	d := &Dialer{
		cfg:     cfg,
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		links:   make(map[string]*device),
	}
	return d
}

func (d *Dialer) enable() error {
	d.enableOnce.Do(func() {
		d.enableErr = d.adapter.Enable()
		if d.enableErr != nil {
			return
		}
		d.adapter.SetConnectHandler(d.connectionChanged)
	})
	return d.enableErr
}

// connectionChanged routes adapter-level disconnects to the open link.
func (d *Dialer) connectionChanged(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := dev.Address.String()

	d.mu.Lock()
	link := d.links[key]
	delete(d.links, key)
	d.mu.Unlock()

	if link != nil {
		link.lost()
	}
}

// Dial scans, connects and subscribes to the UART notify characteristic.
func (d *Dialer) Dial(ctx context.Context, h bridge.Handlers) (bridge.Device, error) {
	if err := d.enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	serviceUUID, err := bluetooth.ParseUUID(d.cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(d.cfg.WriteChar)
	if err != nil {
		return nil, fmt.Errorf("parse write uuid: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(d.cfg.NotifyChar)
	if err != nil {
		return nil, fmt.Errorf("parse notify uuid: %w", err)
	}

	scanCtx := ctx
	if d.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, d.cfg.ScanTimeout)
		defer cancel()
	}
	result, err := d.scan(scanCtx)
	if err != nil {
		return nil, err
	}
	d.logger.Info("found "+result.LocalName(), "dir", "SYS", "src", "MB", "address", result.Address.String())

	dev, err := d.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", result.Address.String(), err)
	}

	link, err := d.setup(dev, serviceUUID, writeUUID, notifyUUID, h)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}

	d.mu.Lock()
	d.links[result.Address.String()] = link
	d.mu.Unlock()
	return link, nil
}

func (d *Dialer) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- d.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !strings.HasPrefix(result.LocalName(), d.cfg.NamePrefix) {
				return
			}
			select {
			case found <- result:
				adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case result := <-found:
		<-scanErr
		return result, nil
	case err := <-scanErr:
		if err == nil {
			err = errors.New("scan stopped")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	case <-ctx.Done():
		d.adapter.StopScan()
		<-scanErr
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

func (d *Dialer) setup(dev bluetooth.Device, service, write, notify bluetooth.UUID, h bridge.Handlers) (*device, error) {
	services, err := dev.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return nil, fmt.Errorf("discover uart service: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("uart service %s not found", service.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{write, notify})
	if err != nil {
		return nil, fmt.Errorf("discover uart characteristics: %w", err)
	}

	link := &device{dev: dev, onLost: h.OnDisconnect}
	var notifyChar *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case write:
			link.write = chars[i]
			link.hasWrite = true
		case notify:
			notifyChar = &chars[i]
		}
	}
	if !link.hasWrite {
		return nil, ErrNoWriteCharacteristic
	}

	if notifyChar != nil && h.OnData != nil {
		onData := h.OnData
		err := notifyChar.EnableNotifications(func(buf []byte) {
			onData(append([]byte(nil), buf...))
		})
		if err != nil {
			return nil, fmt.Errorf("enable notifications: %w", err)
		}
	}
	return link, nil
}

// device implements bridge.Device over one BLE connection.
type device struct {
	dev      bluetooth.Device
	write    bluetooth.DeviceCharacteristic
	hasWrite bool
	onLost   func()

	once sync.Once
}

func (d *device) Write(chunk []byte) error {
	_, err := d.write.WriteWithoutResponse(chunk)
	return err
}

func (d *device) Close() error {
	var err error
	d.once.Do(func() {
		err = d.dev.Disconnect()
	})
	return err
}

func (d *device) lost() {
	d.once.Do(func() {})
	if d.onLost != nil {
		d.onLost()
	}
}
