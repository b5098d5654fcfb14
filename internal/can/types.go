package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame is a classic CAN frame: an 11- or 29-bit identifier (EFF/RTR/ERR
// flags live in the high bits, exactly as SocketCAN's can_id) plus up to
// eight payload bytes. Len is the data length code, 0..8. Every field is a
// value type, so an ordinary assignment already yields an independent copy;
// lifting a frame out of a pool slot is just `f := *pool.Frame(i)`.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}
