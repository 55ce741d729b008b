package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame is a simple CAN frame holder used across the bridge.
// can_id contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 for classic); only the first Len bytes are valid.
//
// Note: This is a convenience type for host-side plumbing. The driver
// works with Message; ToMessage/FromMessage convert between the two.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}

// ToMessage unpacks the SocketCAN-style id into the driver's tagged header.
func (f Frame) ToMessage() Message {
	var m Message
	if f.CANID&CAN_EFF_FLAG != 0 {
		id := f.CANID & CAN_EFF_MASK
		m.IDE = true
		m.SID = uint16(id >> 18)
		m.EID = id & 0x3FFFF
	} else {
		m.SID = uint16(f.CANID & CAN_SFF_MASK)
	}
	m.RTR = f.CANID&CAN_RTR_FLAG != 0
	m.DLC = f.Len
	if m.DLC > 8 {
		m.DLC = 8
	}
	copy(m.Data[:], f.Data[:])
	return m
}

// FromMessage packs a driver message into the SocketCAN-style frame.
func FromMessage(m Message) Frame {
	var f Frame
	if m.IDE {
		f.CANID = (uint32(m.SID&0x7FF) << 18) | (m.EID & 0x3FFFF) | CAN_EFF_FLAG
	} else {
		f.CANID = uint32(m.SID & CAN_SFF_MASK)
	}
	if m.RTR {
		f.CANID |= CAN_RTR_FLAG
	}
	f.Len = m.DLC
	copy(f.Data[:], m.Data[:])
	return f
}
