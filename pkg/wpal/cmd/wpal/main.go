// Command wpal builds the C-compatible capture library:
//
//	go build -buildmode=c-shared -o wpal.dll ./pkg/wpal/cmd/wpal
package main

/*
#include <stdbool.h>
#include <stdint.h>

typedef struct {
	const uint8_t *data;
	uint32_t size;
} BufferPacket;

typedef void (*SampleReadyCallback)(uint64_t capture);

static inline void callSampleReady(SampleReadyCallback cb, uint64_t capture) {
	cb(capture);
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/MixyLabs/wpal/pkg/wpal"
)

var (
	buildType string

	initOnce sync.Once
	logger   *zap.SugaredLogger
	registry *wpal.Registry

	// status of the last failed call per capture, for callers of the void-returning exports
	lastMu     sync.Mutex
	lastStatus = map[wpal.Handle]int32{}
)

func setup() {
	initOnce.Do(func() {
		var err error

		logger, err = wpal.NewLogger(buildType)
		if err != nil {
			panic(fmt.Sprintf("Failed to create logger: %v", err))
		}

		registry = wpal.NewRegistry(logger)
		logger.Named("export").Debug("Initialized capture library")
	})
}

func record(h wpal.Handle, err error) int32 {
	status := wpal.StatusCode(err)

	lastMu.Lock()
	lastStatus[h] = status
	lastMu.Unlock()

	return status
}

//export CreateCapture
func CreateCapture(pid C.uint32_t, includeProcessTree C.bool, channels C.uint16_t, samplesPerSec C.uint32_t, bitsPerSample C.uint16_t) C.uint64_t {
	setup()

	h, err := registry.Create(uint32(pid), bool(includeProcessTree), uint16(channels), uint32(samplesPerSec), uint16(bitsPerSample))
	if err != nil {
		logger.Warnw("Failed to create capture", "error", err)
		return 0
	}

	return C.uint64_t(h)
}

//export StartCaptureBlocked
func StartCaptureBlocked(capture C.uint64_t, callback C.SampleReadyCallback) C.int32_t {
	setup()

	h := wpal.Handle(capture)

	var onReady func(wpal.Handle)
	if callback != nil {
		onReady = func(h wpal.Handle) {
			C.callSampleReady(callback, C.uint64_t(h))
		}
	}

	return C.int32_t(record(h, registry.Start(context.Background(), h, onReady)))
}

//export GetNextPacketSize
func GetNextPacketSize(capture C.uint64_t) C.uint32_t {
	setup()

	h := wpal.Handle(capture)

	frames, err := registry.NextPacketSize(h)
	record(h, err)

	return C.uint32_t(frames)
}

//export GetBuffer
func GetBuffer(capture C.uint64_t) C.BufferPacket {
	setup()

	h := wpal.Handle(capture)

	buf, err := registry.GetBuffer(h)
	if record(h, err) != wpal.StatusOK || len(buf.Data) == 0 {
		return C.BufferPacket{}
	}

	return C.BufferPacket{
		data: (*C.uint8_t)(unsafe.Pointer(&buf.Data[0])),
		size: C.uint32_t(len(buf.Data)),
	}
}

//export ReleaseBuffer
func ReleaseBuffer(capture C.uint64_t, frames C.uint32_t) {
	setup()

	h := wpal.Handle(capture)
	record(h, registry.ReleaseBuffer(h, uint32(frames)))
}

//export StopCapture
func StopCapture(capture C.uint64_t) {
	setup()

	registry.Stop(wpal.Handle(capture))
}

//export DisposeCapture
func DisposeCapture(capture C.uint64_t) {
	setup()

	h := wpal.Handle(capture)
	registry.Dispose(h)

	lastMu.Lock()
	delete(lastStatus, h)
	lastMu.Unlock()
}

// GetLastStatus returns the status of the most recent call made for capture.
// Handles that were never created or are already disposed report StatusUnknown.
//
//export GetLastStatus
func GetLastStatus(capture C.uint64_t) C.int32_t {
	setup()

	return C.int32_t(lastStatusOf(wpal.Handle(capture)))
}

func lastStatusOf(h wpal.Handle) int32 {
	if _, err := registry.Session(h); err != nil {
		return wpal.StatusUnknown
	}

	lastMu.Lock()
	defer lastMu.Unlock()

	return lastStatus[h]
}

func main() {}
