package wpal

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

type wcaAudibleFinder struct {
	logger *zap.SugaredLogger

	mmDeviceEnumerator *wca.IMMDeviceEnumerator
}

// NewAudibleFinder enumerates render sessions of every active output device
func NewAudibleFinder(logger *zap.SugaredLogger) (AudibleFinder, error) {
	af := &wcaAudibleFinder{
		logger: logger.Named("audible"),
	}

	if err := ensureMTA(logger); err != nil {
		return nil, err
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&af.mmDeviceEnumerator,
	); err != nil {
		af.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	af.logger.Debug("Created WCA audible process finder")

	return af, nil
}

func (af *wcaAudibleFinder) AudibleProcesses() ([]AudibleProcess, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := af.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		af.logger.Warnw("Failed to enumerate active output endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active output endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		af.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	var sessions []AudibleProcess

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		err := func() error {
			var endpoint *wca.IMMDevice

			if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
				return fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
			}
			defer endpoint.Release()

			friendlyName, err := af.getFriendlyName(endpoint)
			if err != nil {
				return err
			}

			found, err := af.enumerateProcessSessions(endpoint, friendlyName)
			if err != nil {
				return fmt.Errorf("enumerate device %d process sessions: %w", deviceIdx, err)
			}

			sessions = append(sessions, found...)

			return nil
		}()
		if err != nil {
			af.logger.Warnw("Skipping output device", "deviceIdx", deviceIdx, "error", err)
		}
	}

	return collapseAudible(sessions), nil
}

func (af *wcaAudibleFinder) Release() error {
	if af.mmDeviceEnumerator != nil {
		af.mmDeviceEnumerator.Release()
		af.mmDeviceEnumerator = nil
	}

	af.logger.Debug("Released WCA audible process finder")

	return nil
}

func (af *wcaAudibleFinder) getFriendlyName(endpoint *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	// device friendly name i.e. "Headphones (Realtek Audio)"
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	return value.String(), nil
}

func (af *wcaAudibleFinder) enumerateProcessSessions(endpoint *wca.IMMDevice, device string) ([]AudibleProcess, error) {
	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := endpoint.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &audioSessionManager2); err != nil {
		return nil, fmt.Errorf("activate endpoint: %w", err)
	}
	defer audioSessionManager2.Release()

	var sessionEnumerator *wca.IAudioSessionEnumerator

	if err := audioSessionManager2.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int
	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		return nil, fmt.Errorf("get session count: %w", err)
	}

	af.logger.Debugw("Got session count from session enumerator", "device", device, "count", sessionCount)

	var found []AudibleProcess

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {
		var audioSessionControl *wca.IAudioSessionControl
		if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
			af.logger.Warnw("Failed to get session from session enumerator", "error", err, "sessionIdx", sessionIdx)
			continue
		}

		pid, err := sessionProcessID(audioSessionControl)
		audioSessionControl.Release()

		if err != nil {
			af.logger.Debugw("Skipping session without a process", "error", err, "sessionIdx", sessionIdx)
			continue
		}

		process := AudibleProcess{PID: pid, Devices: []string{device}}

		if p, err := ps.FindProcess(int(pid)); err == nil && p != nil {
			process.Executable = p.Executable()
		}

		found = append(found, process)
	}

	return found, nil
}

// the undocumented AUDCLNT_S_NO_CURRENT_PROCESS, in decimal as it appears in the error text
const noCurrentProcessCode = "143196173"

func sessionProcessID(audioSessionControl *wca.IAudioSessionControl) (uint32, error) {
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return 0, fmt.Errorf("query IAudioSessionControl2: %w", err)
	}

	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))
	defer audioSessionControl2.Release()

	var pid uint32

	if err := audioSessionControl2.GetProcessId(&pid); err != nil {
		// the system sounds session has no process. UWP apps report the same error but a valid pid.
		if audioSessionControl2.IsSystemSoundsSession() == nil {
			return 0, errors.New("system sounds session")
		}

		if !strings.Contains(err.Error(), noCurrentProcessCode) {
			return 0, fmt.Errorf("get session pid: %w", err)
		}
	}

	return pid, nil
}
