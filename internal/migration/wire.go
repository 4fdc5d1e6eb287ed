package migration

import "encoding/binary"

// Opcode is a live-migration channel command, grounded verbatim on
// enum mlx5_snap_opcode in original_source/src/snap_rdma_channel.h
// (spec §4.5).
type Opcode uint8

const (
	OpStartLog      Opcode = 0x00
	OpStopLog       Opcode = 0x01
	OpGetLogSize    Opcode = 0x02
	OpReportLog     Opcode = 0x03
	OpFreezeDev     Opcode = 0x04
	OpUnfreezeDev   Opcode = 0x05
	OpQuiesceDev    Opcode = 0x06
	OpUnquiesceDev  Opcode = 0x07
	OpGetStateSize  Opcode = 0x08
	OpReadState     Opcode = 0x09
	OpWriteState    Opcode = 0x0a
)

// Status is a live-migration command response status, grounded on
// enum mlx5_snap_cmd_status.
type Status uint16

const (
	StatusSuccess           Status = 0x0
	StatusInvalidOpcode     Status = 0x1
	StatusInvalidField      Status = 0x2
	StatusCmdIDConflict     Status = 0x3
	StatusDataXferError     Status = 0x4
	StatusInternal          Status = 0x5
	StatusAlreadyStartedLog Status = 0x6
	StatusAlreadyStoppedLog Status = 0x7
)

// CommandSize is sizeof(struct mlx5_snap_common_command): 1+1+2 bytes
// of opcode/flags/command_id, 8+4+4 of addr/length/key, and 11 more
// u32 "cdwN" fields reserved for opcode-specific use = 64 bytes.
const CommandSize = 64

// Command is the 64-byte fixed command layout (spec §4.5, §6 wire
// protocol #4), covering every opcode's fields via the cdw5..cdw15
// scratch words — START_LOG's page_size lives in Cdw5, READ/WRITE_STATE's
// offset spans Cdw5/Cdw6 as a little-endian u64, matching the
// original's mlx5_snap_start_dirty_log_command / mlx5_snap_rw_command
// overlays of mlx5_snap_common_command.
type Command struct {
	Opcode    Opcode
	Flags     uint8
	CommandID uint16
	Addr      uint64
	Length    uint32
	Key       uint32
	Cdw       [11]uint32
}

func DecodeCommand(b []byte) Command {
	var c Command
	c.Opcode = Opcode(b[0])
	c.Flags = b[1]
	c.CommandID = binary.LittleEndian.Uint16(b[2:4])
	c.Addr = binary.LittleEndian.Uint64(b[4:12])
	c.Length = binary.LittleEndian.Uint32(b[12:16])
	c.Key = binary.LittleEndian.Uint32(b[16:20])
	for i := 0; i < 11; i++ {
		c.Cdw[i] = binary.LittleEndian.Uint32(b[20+i*4 : 24+i*4])
	}
	return c
}

func (c Command) Encode() []byte {
	b := make([]byte, CommandSize)
	b[0] = byte(c.Opcode)
	b[1] = c.Flags
	binary.LittleEndian.PutUint16(b[2:4], c.CommandID)
	binary.LittleEndian.PutUint64(b[4:12], c.Addr)
	binary.LittleEndian.PutUint32(b[12:16], c.Length)
	binary.LittleEndian.PutUint32(b[16:20], c.Key)
	for i := 0; i < 11; i++ {
		binary.LittleEndian.PutUint32(b[20+i*4:24+i*4], c.Cdw[i])
	}
	return b
}

// PageSize reads cdw5 as START_LOG's page_size field.
func (c Command) PageSize() uint32 { return c.Cdw[0] }

// Offset reads cdw5:cdw6 as a little-endian u64, READ_STATE/WRITE_STATE's offset field.
func (c Command) Offset() uint64 {
	return uint64(c.Cdw[0]) | uint64(c.Cdw[1])<<32
}

// ResponseSize is sizeof(struct mlx5_snap_completion): command_id(2) +
// status(2) + result(8) + reserved32(4) = 16 bytes.
const ResponseSize = 16

// Response is the fixed completion layout (spec §4.5).
type Response struct {
	CommandID uint16
	Status    Status
	Result    uint64
}

func (r Response) Encode() []byte {
	b := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint16(b[0:2], r.CommandID)
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Status))
	binary.LittleEndian.PutUint64(b[4:12], r.Result)
	return b
}

func DecodeResponse(b []byte) Response {
	return Response{
		CommandID: binary.LittleEndian.Uint16(b[0:2]),
		Status:    Status(binary.LittleEndian.Uint16(b[2:4])),
		Result:    binary.LittleEndian.Uint64(b[4:12]),
	}
}
