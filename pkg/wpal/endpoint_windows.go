package wpal

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	// 20ms, in 100ns units
	captureBufferDuration wca.REFERENCE_TIME = 200000

	audclntStreamFlagsAutoConvertPCM    = 0x80000000
	audclntStreamFlagsSrcDefaultQuality = 0x08000000

	waveFormatPCM = 1

	audclntEDeviceInvalidated = 0x88890004
)

type wasapiBackend struct {
	logger *zap.SugaredLogger
}

func newPlatformBackend(logger *zap.SugaredLogger) Backend {
	return &wasapiBackend{logger: logger.Named("wasapi")}
}

func (b *wasapiBackend) ActivateProcessLoopback(params LoopbackParams, done func(AudioClient, error)) error {
	if err := ensureMTA(b.logger); err != nil {
		return err
	}

	return activateAudioInterfaceAsync(params, func(operation *IActivateAudioInterfaceAsyncOperation) {
		activated, err := operation.GetActivateResult()
		if err != nil {
			b.logger.Warnw("Process loopback activation failed", "error", err)
			done(nil, err)
			return
		}

		// the activation was for IAudioClient, so that is what we were handed
		client := (*wca.IAudioClient)(unsafe.Pointer(activated))

		done(&wasapiClient{logger: b.logger, client: client}, nil)
	})
}

func (b *wasapiBackend) NewSignal() (Signal, error) {
	handle, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	return &eventSignal{handle: handle}, nil
}

type wasapiClient struct {
	logger *zap.SugaredLogger
	client *wca.IAudioClient

	releaseOnce sync.Once
}

func (c *wasapiClient) Initialize(format AudioFormat) error {
	waveFormat := &wca.WAVEFORMATEX{
		WFormatTag:      waveFormatPCM,
		NChannels:       format.Channels(),
		NSamplesPerSec:  format.SampleRate(),
		NAvgBytesPerSec: format.AvgBytesPerSec(),
		NBlockAlign:     format.BlockAlign(),
		WBitsPerSample:  format.BitsPerSample(),
	}

	// process loopback streams have no mix format of their own, the engine converts to whatever we ask for
	streamFlags := uint32(wca.AUDCLNT_STREAMFLAGS_LOOPBACK |
		wca.AUDCLNT_STREAMFLAGS_EVENTCALLBACK |
		audclntStreamFlagsAutoConvertPCM |
		audclntStreamFlagsSrcDefaultQuality)

	if err := c.client.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		streamFlags,
		captureBufferDuration,
		0,
		waveFormat,
		nil,
	); err != nil {
		return err
	}

	return nil
}

func (c *wasapiClient) CaptureClient() (CaptureClient, error) {
	var captureClient *wca.IAudioCaptureClient
	if err := c.client.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		return nil, fmt.Errorf("get IAudioCaptureClient service: %w", err)
	}

	return &wasapiCaptureClient{client: captureClient}, nil
}

func (c *wasapiClient) SetEventSignal(signal Signal) error {
	event, ok := signal.(*eventSignal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", signal)
	}

	return c.client.SetEventHandle(uintptr(event.handle))
}

func (c *wasapiClient) Start() error {
	return deviceError(c.client.Start())
}

func (c *wasapiClient) Stop() error {
	return deviceError(c.client.Stop())
}

func (c *wasapiClient) Release() {
	c.releaseOnce.Do(func() {
		c.client.Release()
	})
}

type wasapiCaptureClient struct {
	client *wca.IAudioCaptureClient

	releaseOnce sync.Once
}

func (cc *wasapiCaptureClient) NextPacketSize() (uint32, error) {
	var frames uint32
	if err := cc.client.GetNextPacketSize(&frames); err != nil {
		return 0, deviceError(err)
	}

	return frames, nil
}

func (cc *wasapiCaptureClient) GetBuffer() (Packet, error) {
	var (
		data           *byte
		frames         uint32
		flags          uint32
		devicePosition uint64
		qpcPosition    uint64
	)

	if err := cc.client.GetBuffer(&data, &frames, &flags, &devicePosition, &qpcPosition); err != nil {
		return Packet{}, deviceError(err)
	}

	return Packet{
		Data:   unsafe.Pointer(data),
		Frames: frames,
		Flags:  flags,
	}, nil
}

func (cc *wasapiCaptureClient) ReleaseBuffer(frames uint32) error {
	return deviceError(cc.client.ReleaseBuffer(frames))
}

func (cc *wasapiCaptureClient) Release() {
	cc.releaseOnce.Do(func() {
		cc.client.Release()
	})
}

var errDeviceInvalidated = errors.New("audio device invalidated")

// deviceError names the one endpoint failure callers care to tell apart
func deviceError(err error) error {
	if err == nil {
		return nil
	}

	oleError := &ole.OleError{}
	if errors.As(err, &oleError) && uint32(oleError.Code()) == audclntEDeviceInvalidated {
		return fmt.Errorf("%w: %w", errDeviceInvalidated, err)
	}

	return err
}

// eventSignal is an auto-reset Win32 event
type eventSignal struct {
	handle windows.Handle

	closeOnce sync.Once
}

func (s *eventSignal) Wait(cancel <-chan struct{}) (bool, error) {
	abort, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return false, fmt.Errorf("create abort event: %w", err)
	}

	finished := make(chan struct{})
	helperExited := make(chan struct{})

	go func() {
		defer close(helperExited)

		select {
		case <-cancel:
			_ = windows.SetEvent(abort)
		case <-finished:
		}
	}()

	// the helper may still be about to set abort, so the handle outlives it
	defer func() {
		close(finished)
		<-helperExited
		_ = windows.CloseHandle(abort)
	}()

	event, err := windows.WaitForMultipleObjects([]windows.Handle{s.handle, abort}, false, windows.INFINITE)
	if err != nil {
		return false, fmt.Errorf("wait for data ready event: %w", err)
	}

	switch event {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case windows.WAIT_OBJECT_0 + 1:
		return false, nil
	default:
		return false, fmt.Errorf("wait for data ready event: unexpected result %#x", event)
	}
}

func (s *eventSignal) Close() error {
	var err error

	s.closeOnce.Do(func() {
		err = windows.CloseHandle(s.handle)
	})

	return err
}
