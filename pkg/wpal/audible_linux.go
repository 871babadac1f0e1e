package wpal

import (
	"fmt"
	"net"
	"strconv"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

type paAudibleFinder struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn
}

// NewAudibleFinder lists PulseAudio sink inputs, which carry the pid of the client that opened them
func NewAudibleFinder(logger *zap.SugaredLogger) (AudibleFinder, error) {
	logger = logger.Named("audible")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("wpal"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	af := &paAudibleFinder{
		logger: logger,
		client: client,
		conn:   conn,
	}

	af.logger.Debug("Created PA audible process finder")

	return af, nil
}

func (af *paAudibleFinder) AudibleProcesses() ([]AudibleProcess, error) {
	sinks := proto.GetSinkInfoListReply{}
	if err := af.client.Request(&proto.GetSinkInfoList{}, &sinks); err != nil {
		af.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sinkNames := make(map[uint32]string, len(sinks))
	for _, sink := range sinks {
		sinkNames[sink.SinkIndex] = sinkDeviceName(sink)
	}

	inputs := proto.GetSinkInputInfoListReply{}
	if err := af.client.Request(&proto.GetSinkInputInfoList{}, &inputs); err != nil {
		af.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	var sessions []AudibleProcess

	for _, info := range inputs {
		process, ok := sinkInputProcess(info.Properties)
		if !ok {
			af.logger.Debugw("Skipping sink input without a process id", "sinkInputIndex", info.SinkInputIndex)
			continue
		}

		if name, ok := sinkNames[info.SinkIndex]; ok {
			process.Devices = []string{name}
		}

		sessions = append(sessions, process)
	}

	return collapseAudible(sessions), nil
}

func (af *paAudibleFinder) Release() error {
	if err := af.conn.Close(); err != nil {
		af.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	af.logger.Debug("Released PA audible process finder")

	return nil
}

// sinkDeviceName prefers the human readable description over the sink's internal name
func sinkDeviceName(sink *proto.GetSinkInfoReply) string {
	// entries that are not NUL-terminated strings stringify as a placeholder
	if description := sink.Properties["device.description"]; len(description) > 1 && description[len(description)-1] == 0 {
		return description.String()
	}

	return sink.SinkName
}

func sinkInputProcess(props proto.PropList) (AudibleProcess, bool) {
	id, ok := props["application.process.id"]
	if !ok {
		return AudibleProcess{}, false
	}

	pid, err := strconv.ParseUint(id.String(), 10, 32)
	if err != nil || pid == 0 {
		return AudibleProcess{}, false
	}

	process := AudibleProcess{PID: uint32(pid)}

	if binary, ok := props["application.process.binary"]; ok {
		process.Executable = binary.String()
	}

	return process, true
}
