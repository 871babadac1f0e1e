package wpal

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	virtualAudioDeviceProcessLoopback = `VAD\Process_Loopback`

	audioClientActivationTypeProcessLoopback = 1

	processLoopbackModeIncludeTargetProcessTree = 0
	processLoopbackModeExcludeTargetProcessTree = 1

	vtBlob = 65

	sOK          = 0
	eNoInterface = 0x80004002
	ePointer     = 0x80004003
)

var (
	IID_IAgileObject                             = ole.NewGUID("{94EA2B94-E9CC-49E0-C0FF-EE64CA8F5B90}")
	IID_IActivateAudioInterfaceCompletionHandler = ole.NewGUID("{41D949AB-9862-444A-80F6-C261334DA5EB}")
	IID_IActivateAudioInterfaceAsyncOperation    = ole.NewGUID("{72A22D78-CDE4-431D-B8CC-843A71199B6D}")
)

var (
	mmdevapiDLL = windows.NewLazySystemDLL("mmdevapi.dll")

	procActivateAudioInterfaceAsync = mmdevapiDLL.NewProc("ActivateAudioInterfaceAsync")
)

// audioClientActivationParams matches AUDIOCLIENT_ACTIVATION_PARAMS with the process loopback arm of the union
type audioClientActivationParams struct {
	ActivationType      int32
	TargetProcessID     uint32
	ProcessLoopbackMode int32
}

// blobPropVariant is a PROPVARIANT holding a VT_BLOB
type blobPropVariant struct {
	vt        uint16
	reserved1 uint16
	reserved2 uint16
	reserved3 uint16
	cbSize    uint32
	pBlobData unsafe.Pointer
}

type IActivateAudioInterfaceAsyncOperation struct {
	ole.IUnknown
}

type IActivateAudioInterfaceAsyncOperationVtbl struct {
	ole.IUnknownVtbl
	GetActivateResult uintptr
}

func (v *IActivateAudioInterfaceAsyncOperation) VTable() *IActivateAudioInterfaceAsyncOperationVtbl {
	return (*IActivateAudioInterfaceAsyncOperationVtbl)(unsafe.Pointer(v.RawVTable))
}

// GetActivateResult returns the activated interface, or the HRESULT the activation failed with
func (v *IActivateAudioInterfaceAsyncOperation) GetActivateResult() (*ole.IUnknown, error) {
	var (
		activateResult uintptr
		activated      *ole.IUnknown
	)

	hr, _, _ := syscall.SyscallN(
		v.VTable().GetActivateResult,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(&activateResult)),
		uintptr(unsafe.Pointer(&activated)),
	)
	if hr != 0 {
		return nil, ole.NewError(hr)
	}

	if uint32(activateResult) != 0 {
		if activated != nil {
			activated.Release()
		}
		return nil, ole.NewError(activateResult)
	}

	if activated == nil {
		return nil, errors.New("activation succeeded without an interface")
	}

	return activated, nil
}

// completionHandler is a Go-implemented IActivateAudioInterfaceCompletionHandler.
// It also answers for IAgileObject, since activation calls back on an arbitrary MTA thread.
type completionHandler struct {
	vtbl *completionHandlerVtbl
	refs int32

	done func(*IActivateAudioInterfaceAsyncOperation)
}

type completionHandlerVtbl struct {
	QueryInterface    uintptr
	AddRef            uintptr
	Release           uintptr
	ActivateCompleted uintptr
}

var (
	completionHandlerVtblOnce sync.Once
	sharedCompletionVtbl      *completionHandlerVtbl

	// COM holds raw pointers to live handlers, the GC must not collect them
	liveHandlersMu sync.Mutex
	liveHandlers   = map[*completionHandler]struct{}{}
)

func newCompletionHandler(done func(*IActivateAudioInterfaceAsyncOperation)) *completionHandler {
	// syscall.NewCallback slots are never freed, so build the vtable once
	completionHandlerVtblOnce.Do(func() {
		sharedCompletionVtbl = &completionHandlerVtbl{
			QueryInterface:    syscall.NewCallback(completionHandlerQueryInterface),
			AddRef:            syscall.NewCallback(completionHandlerAddRef),
			Release:           syscall.NewCallback(completionHandlerRelease),
			ActivateCompleted: syscall.NewCallback(completionHandlerActivateCompleted),
		}
	})

	h := &completionHandler{
		vtbl: sharedCompletionVtbl,
		refs: 1,
		done: done,
	}

	liveHandlersMu.Lock()
	liveHandlers[h] = struct{}{}
	liveHandlersMu.Unlock()

	return h
}

func (h *completionHandler) addRef() uintptr {
	return uintptr(atomic.AddInt32(&h.refs, 1))
}

func (h *completionHandler) release() uintptr {
	refs := atomic.AddInt32(&h.refs, -1)
	if refs == 0 {
		liveHandlersMu.Lock()
		delete(liveHandlers, h)
		liveHandlersMu.Unlock()
	}

	return uintptr(refs)
}

func completionHandlerQueryInterface(this uintptr, riid *ole.GUID, ppv *uintptr) uintptr {
	if ppv == nil {
		return ePointer
	}

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, IID_IAgileObject) ||
		ole.IsEqualGUID(riid, IID_IActivateAudioInterfaceCompletionHandler) {
		*ppv = this
		(*completionHandler)(unsafe.Pointer(this)).addRef()
		return sOK
	}

	*ppv = 0
	return eNoInterface
}

func completionHandlerAddRef(this uintptr) uintptr {
	return (*completionHandler)(unsafe.Pointer(this)).addRef()
}

func completionHandlerRelease(this uintptr) uintptr {
	return (*completionHandler)(unsafe.Pointer(this)).release()
}

func completionHandlerActivateCompleted(this uintptr, operation *IActivateAudioInterfaceAsyncOperation) uintptr {
	h := (*completionHandler)(unsafe.Pointer(this))
	h.done(operation)

	return sOK
}

// activateAudioInterfaceAsync starts a process loopback activation. done runs on a
// system thread once the operation completes; the operation pointer is only valid during done.
func activateAudioInterfaceAsync(params LoopbackParams, done func(*IActivateAudioInterfaceAsyncOperation)) error {
	if err := procActivateAudioInterfaceAsync.Find(); err != nil {
		return fmt.Errorf("process loopback unavailable: %w", err)
	}

	devicePath, err := windows.UTF16PtrFromString(virtualAudioDeviceProcessLoopback)
	if err != nil {
		return fmt.Errorf("encode device path: %w", err)
	}

	activationParams := &audioClientActivationParams{
		ActivationType:      audioClientActivationTypeProcessLoopback,
		TargetProcessID:     params.ProcessID,
		ProcessLoopbackMode: processLoopbackModeExcludeTargetProcessTree,
	}

	if params.IncludeDescendants {
		activationParams.ProcessLoopbackMode = processLoopbackModeIncludeTargetProcessTree
	}

	propVariant := &blobPropVariant{
		vt:        vtBlob,
		cbSize:    uint32(unsafe.Sizeof(*activationParams)),
		pBlobData: unsafe.Pointer(activationParams),
	}

	handler := newCompletionHandler(done)

	var operation *IActivateAudioInterfaceAsyncOperation

	hr, _, _ := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(devicePath)),
		uintptr(unsafe.Pointer(wca.IID_IAudioClient)),
		uintptr(unsafe.Pointer(propVariant)),
		uintptr(unsafe.Pointer(handler)),
		uintptr(unsafe.Pointer(&operation)),
	)

	runtime.KeepAlive(devicePath)
	runtime.KeepAlive(activationParams)
	runtime.KeepAlive(propVariant)

	// the pending operation holds its own references from here on
	handler.release()

	if hr != 0 {
		return ole.NewError(hr)
	}

	if operation != nil {
		operation.Release()
	}

	return nil
}

var (
	comInitOnce sync.Once
	comInitErr  error
)

// ensureMTA keeps a multithreaded apartment alive for the life of the process, so that
// every goroutine can make COM calls through the implicit MTA regardless of its OS thread
func ensureMTA(logger *zap.SugaredLogger) error {
	comInitOnce.Do(func() {
		initialized := make(chan error)

		go keepMTA(logger, initialized)

		comInitErr = <-initialized
	})

	return comInitErr
}

func keepMTA(logger *zap.SugaredLogger, initialized chan<- error) {
	runtime.LockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if !errors.As(err, &oleError) || oleError.Code() != eFalse {
			logger.Warnw("Failed to call CoInitializeEx", "error", err)
			initialized <- fmt.Errorf("call CoInitializeEx: %w", err)
			runtime.UnlockOSThread()
			return
		}

		logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
	}

	initialized <- nil

	// parked for good, the apartment lives as long as this thread
	select {}
}
