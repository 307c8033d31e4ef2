// Command boardcontroller builds the boardkit shared library:
//
//	go build -buildmode=c-shared -o libboardcontroller.so ./cmd/boardcontroller
//
// Every export returns an exit code, 0 on success. Sample data is written
// channel-major into caller-provided buffers.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"unsafe"

	"github.com/brainwire/boardkit/internal/boardcontroller"
	"github.com/brainwire/boardkit/internal/errcode"
)

// maxResponseLen is the size callers allocate for config_board responses.
const maxResponseLen = 16000

func main() {}

func controller() (*boardcontroller.Controller, C.int) {
	c, err := boardcontroller.Default()
	if err != nil {
		return nil, C.int(errcode.Of(err))
	}
	return c, 0
}

func code(err error) C.int { return C.int(errcode.Of(err)) }

// call runs fn against the default controller.
func call(fn func(c *boardcontroller.Controller) error) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return code(fn(c))
}

func doubles(p *C.double, n int) []float64 {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(p)), n)
}

func ints(p *C.int, n int) []C.int {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice(p, n)
}

// copyChannelMajor writes row ch of data at dst[ch*stride:]. Rows shorter
// than stride leave the tail of their slot untouched.
func copyChannelMajor(dst []float64, data [][]float64, stride int) {
	for ch, row := range data {
		off := ch * stride
		if off >= len(dst) {
			return
		}
		copy(dst[off:min(off+stride, len(dst))], row)
	}
}

//export prepare_session
func prepare_session(boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.PrepareSession(context.Background(), int(boardID), C.GoString(params))
	})
}

//export is_prepared
func is_prepared(prepared *C.int, boardID C.int, params *C.char) C.int {
	if prepared == nil {
		return C.int(errcode.InvalidArguments)
	}
	return call(func(c *boardcontroller.Controller) error {
		ok, err := c.IsPrepared(int(boardID), C.GoString(params))
		if err != nil {
			return err
		}
		*prepared = 0
		if ok {
			*prepared = 1
		}
		return nil
	})
}

//export start_stream
func start_stream(bufferSize C.int, streamerParams *C.char, boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.StartStream(context.Background(), int(bufferSize), C.GoString(streamerParams), int(boardID), C.GoString(params))
	})
}

//export stop_stream
func stop_stream(boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.StopStream(context.Background(), int(boardID), C.GoString(params))
	})
}

//export release_session
func release_session(boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.ReleaseSession(context.Background(), int(boardID), C.GoString(params))
	})
}

//export release_all_sessions
func release_all_sessions() C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.ReleaseAllSessions(context.Background())
	})
}

//export get_board_data_count
func get_board_data_count(preset C.int, result *C.int, boardID C.int, params *C.char) C.int {
	if result == nil {
		return C.int(errcode.InvalidArguments)
	}
	return call(func(c *boardcontroller.Controller) error {
		n, err := c.GetBoardDataCount(int(preset), int(boardID), C.GoString(params))
		if err != nil {
			return err
		}
		*result = C.int(n)
		return nil
	})
}

// get_board_data fills dataBuf, sized num_rows * dataCount, with up to
// dataCount of the oldest samples and removes them from the buffer. Row ch
// starts at dataBuf[ch*dataCount] whatever the number of samples drained.
//
//export get_board_data
func get_board_data(dataCount C.int, preset C.int, dataBuf *C.double, boardID C.int, params *C.char) C.int {
	if dataBuf == nil || dataCount <= 0 {
		return C.int(errcode.InvalidArguments)
	}
	return call(func(c *boardcontroller.Controller) error {
		data, err := c.GetBoardData(int(dataCount), int(preset), int(boardID), C.GoString(params))
		if err != nil {
			return err
		}
		copyChannelMajor(doubles(dataBuf, len(data)*int(dataCount)), data, int(dataCount))
		return nil
	})
}

//export get_current_board_data
func get_current_board_data(numSamples C.int, preset C.int, dataBuf *C.double, returned *C.int, boardID C.int, params *C.char) C.int {
	if dataBuf == nil || returned == nil || numSamples < 0 {
		return C.int(errcode.InvalidArguments)
	}
	return call(func(c *boardcontroller.Controller) error {
		data, err := c.GetCurrentBoardData(int(numSamples), int(preset), int(boardID), C.GoString(params))
		if err != nil {
			return err
		}
		n := 0
		if len(data) > 0 {
			n = len(data[0])
		}
		copyChannelMajor(doubles(dataBuf, len(data)*n), data, n)
		*returned = C.int(n)
		return nil
	})
}

//export config_board
func config_board(config *C.char, response *C.char, responseLen *C.int, boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		resp, err := c.ConfigBoard(context.Background(), C.GoString(config), int(boardID), C.GoString(params))
		if response != nil && responseLen != nil {
			out := unsafe.Slice((*byte)(unsafe.Pointer(response)), maxResponseLen)
			n := copy(out[:maxResponseLen-1], resp)
			out[n] = 0
			*responseLen = C.int(n)
		}
		return err
	})
}

//export insert_marker
func insert_marker(value C.double, preset C.int, boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.InsertMarker(float64(value), int(preset), int(boardID), C.GoString(params))
	})
}

//export add_streamer
func add_streamer(streamer *C.char, preset C.int, boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.AddStreamer(context.Background(), C.GoString(streamer), int(preset), int(boardID), C.GoString(params))
	})
}

//export delete_streamer
func delete_streamer(streamer *C.char, preset C.int, boardID C.int, params *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.DeleteStreamer(C.GoString(streamer), int(preset), int(boardID), C.GoString(params))
	})
}

//export set_log_level_board_controller
func set_log_level_board_controller(level C.int) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.SetLogLevel(int(level))
	})
}

//export set_log_file_board_controller
func set_log_file_board_controller(path *C.char) C.int {
	return call(func(c *boardcontroller.Controller) error {
		return c.SetLogFile(C.GoString(path))
	})
}

// intGetter exports a scalar catalog lookup.
func intGetter(out *C.int, get func() (int, error)) C.int {
	if out == nil {
		return C.int(errcode.InvalidArguments)
	}
	v, err := get()
	if err != nil {
		return code(err)
	}
	*out = C.int(v)
	return 0
}

// listGetter writes a channel list and its length.
func listGetter(out *C.int, length *C.int, get func() ([]int, error)) C.int {
	if out == nil || length == nil {
		return C.int(errcode.InvalidArguments)
	}
	v, err := get()
	if err != nil {
		return code(err)
	}
	dst := ints(out, len(v))
	for i, ch := range v {
		dst[i] = C.int(ch)
	}
	*length = C.int(len(v))
	return 0
}

//export get_sampling_rate
func get_sampling_rate(boardID, preset C.int, rate *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(rate, func() (int, error) { return c.GetSamplingRate(int(boardID), int(preset)) })
}

//export get_num_rows
func get_num_rows(boardID, preset C.int, rows *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(rows, func() (int, error) { return c.GetNumRows(int(boardID), int(preset)) })
}

//export get_timestamp_channel
func get_timestamp_channel(boardID, preset C.int, ch *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(ch, func() (int, error) { return c.GetTimestampChannel(int(boardID), int(preset)) })
}

//export get_marker_channel
func get_marker_channel(boardID, preset C.int, ch *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(ch, func() (int, error) { return c.GetMarkerChannel(int(boardID), int(preset)) })
}

//export get_package_num_channel
func get_package_num_channel(boardID, preset C.int, ch *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(ch, func() (int, error) { return c.GetPackageNumChannel(int(boardID), int(preset)) })
}

//export get_battery_channel
func get_battery_channel(boardID, preset C.int, ch *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return intGetter(ch, func() (int, error) { return c.GetBatteryChannel(int(boardID), int(preset)) })
}

//export get_eeg_channels
func get_eeg_channels(boardID, preset C.int, channels *C.int, length *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return listGetter(channels, length, func() ([]int, error) { return c.GetEEGChannels(int(boardID), int(preset)) })
}

//export get_accel_channels
func get_accel_channels(boardID, preset C.int, channels *C.int, length *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return listGetter(channels, length, func() ([]int, error) { return c.GetAccelChannels(int(boardID), int(preset)) })
}

//export get_board_presets
func get_board_presets(boardID C.int, presets *C.int, length *C.int) C.int {
	c, rc := controller()
	if c == nil {
		return rc
	}
	return listGetter(presets, length, func() ([]int, error) { return c.GetBoardPresets(int(boardID)) })
}

//export get_board_descr
func get_board_descr(boardID, preset C.int, descr *C.char, length *C.int) C.int {
	if descr == nil || length == nil {
		return C.int(errcode.InvalidArguments)
	}
	c, rc := controller()
	if c == nil {
		return rc
	}
	s, err := c.GetBoardDescr(int(boardID), int(preset))
	if err != nil {
		return code(err)
	}
	out := unsafe.Slice((*byte)(unsafe.Pointer(descr)), maxResponseLen)
	n := copy(out[:maxResponseLen-1], s)
	out[n] = 0
	*length = C.int(n)
	return 0
}
