package ecan

// SFR byte offsets from the peripheral base. Offsets 0x20..0x7E are
// windowed: CiCTRL1.WIN selects between the buffer view (WIN=0) and the
// filter view (WIN=1). Layout follows the dsPIC33F ECAN register map.
const (
	CiCTRL1 = 0x00
	CiCTRL2 = 0x02
	CiVEC   = 0x04
	CiFCTRL = 0x06
	CiFIFO  = 0x08
	CiINTF  = 0x0A
	CiINTE  = 0x0C
	CiEC    = 0x0E
	CiCFG1  = 0x10
	CiCFG2  = 0x12
	CiFEN1  = 0x14

	CiFMSKSEL1 = 0x18
	CiFMSKSEL2 = 0x1A

	// Buffer window (WIN=0)
	CiRXFUL1  = 0x20
	CiRXFUL2  = 0x22
	CiRXOVF1  = 0x28
	CiRXOVF2  = 0x2A
	CiTR01CON = 0x30
	CiTR23CON = 0x32
	CiTR45CON = 0x34
	CiTR67CON = 0x36
	CiRXD     = 0x40
	CiTXD     = 0x42

	// Filter window (WIN=1)
	CiBUFPNT1 = 0x20
	CiBUFPNT2 = 0x22
	CiBUFPNT3 = 0x24
	CiBUFPNT4 = 0x26
	CiRXM0SID = 0x30
	CiRXM0EID = 0x32
	CiRXM1SID = 0x34
	CiRXM1EID = 0x36
	CiRXM2SID = 0x38
	CiRXM2EID = 0x3A
	CiRXF0SID = 0x40 // filter n: SID at 0x40+4n, EID at 0x42+4n
)

// WindowBase is the first windowed offset; everything from here up is
// bank-selected by CiCTRL1.WIN.
const WindowBase = 0x20

// CiCTRL1 bits.
const (
	CtrlWIN    = 1 << 0
	CtrlCANCAP = 1 << 3
	CtrlABAT   = 1 << 12
	CtrlCSIDL  = 1 << 13

	OpmodeShift = 5
	OpmodeMask  = 0x7 << OpmodeShift
	ReqopShift  = 8
	ReqopMask   = 0x7 << ReqopShift
)

// OpMode is the coarse peripheral state in CiCTRL1 OPMODE/REQOP.
type OpMode uint16

const (
	ModeNormal     OpMode = 0
	ModeDisable    OpMode = 1
	ModeLoopback   OpMode = 2
	ModeListenOnly OpMode = 3
	ModeConfig     OpMode = 4
	ModeListenAll  OpMode = 7
)

func (m OpMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDisable:
		return "disable"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfig:
		return "configuration"
	case ModeListenAll:
		return "listen-all"
	}
	return "reserved"
}

// CiCFG1 fields.
const (
	Cfg1BRPMask  = 0x3F
	Cfg1SJWShift = 6
	Cfg1SJWMask  = 0x3 << Cfg1SJWShift
)

// CiCFG2 fields.
const (
	Cfg2PRSEGMask   = 0x7
	Cfg2SEG1PHShift = 3
	Cfg2SEG1PHMask  = 0x7 << Cfg2SEG1PHShift
	Cfg2SAM         = 1 << 6
	Cfg2SEG2PHTS    = 1 << 7
	Cfg2SEG2PHShift = 8
	Cfg2SEG2PHMask  = 0x7 << Cfg2SEG2PHShift
	Cfg2WAKFIL      = 1 << 14
)

// CiFCTRL fields.
const (
	FctrlFSAMask    = 0x1F
	FctrlDMABSShift = 13
	FctrlDMABSMask  = 0x7 << FctrlDMABSShift
)

// CiFIFO fields.
const (
	FifoFNRBMask = 0x3F
	FifoFBPShift = 8
	FifoFBPMask  = 0x3F << FifoFBPShift
)

// CiVEC fields.
const (
	VecICODEMask   = 0x7F
	VecFILHITShift = 8
	VecFILHITMask  = 0x1F << VecFILHITShift
)

// CiINTF / CiINTE bits. The upper CiINTF bits are bus state, not
// interrupt flags, and are read-only to software.
const (
	IntTB    = 1 << 0
	IntRB    = 1 << 1
	IntRBOV  = 1 << 2
	IntFIFO  = 1 << 3
	IntERR   = 1 << 4
	IntWAK   = 1 << 5
	IntIVR   = 1 << 6
	IntEWARN = 1 << 8
	IntRXWAR = 1 << 9
	IntTXWAR = 1 << 10
	IntRXBP  = 1 << 11
	IntTXBP  = 1 << 12
	IntTXBO  = 1 << 13
)

// Per-buffer nibble in CiTRmnCON (low byte = buffer m, high byte = m+1).
const (
	TrPriMask = 0x03
	TrRTREN   = 1 << 2
	TrTXREQ   = 1 << 3
	TrTXERR   = 1 << 4
	TrTXLARB  = 1 << 5
	TrTXABT   = 1 << 6
	TrTXEN    = 1 << 7
)

// CiRXMnSID / CiRXFnSID fields.
const (
	SidEIDHiMask = 0x3 // EID[17:16]
	SidMIDE      = 1 << 3
	SidEXIDE     = 1 << 3
	SidShift     = 5
	SidMask      = 0x7FF << SidShift
)

// FIFOLengths are the coded FIFO sizes accepted by CiFCTRL.DMABS.
var FIFOLengths = [...]int{4, 6, 8, 12, 16, 24, 32}

// FIFOLenCode maps a FIFO length in slots to its DMABS code.
func FIFOLenCode(n int) (uint16, bool) {
	for c, l := range FIFOLengths {
		if l == n {
			return uint16(c), true
		}
	}
	return 0, false
}

// FIFOLenFromCode is the inverse of FIFOLenCode.
func FIFOLenFromCode(c uint16) int {
	if int(c) < len(FIFOLengths) {
		return FIFOLengths[c]
	}
	return FIFOLengths[len(FIFOLengths)-1]
}

// ResetValues enumerates the SFR defaults written on Init and Cleanup
// to guarantee a known starting state. Windowed offsets are reset in
// both views by the peripheral.
var ResetValues = map[uint16]uint16{
	CiCTRL1: uint16(ModeConfig)<<ReqopShift | uint16(ModeConfig)<<OpmodeShift,
	CiCTRL2: 0,
	CiFCTRL: 0,
	CiFIFO:  0,
	CiINTF:  0,
	CiINTE:  0,
	CiCFG1:  0,
	CiCFG2:  0,
	CiFEN1:  0xFFFF,

	CiFMSKSEL1: 0,
	CiFMSKSEL2: 0,
}

// Regs is the 16-bit SFR access path of one ECAN instance. The
// behavioral model in internal/hw implements it; a memory-mapped view
// would on silicon. Claim enforces the single-owner rule: at most one
// live Controller per peripheral instance.
type Regs interface {
	Read(off uint16) uint16
	Write(off uint16, v uint16)
	Claim() bool
	Release()
}

// TRConReg returns the CiTRmnCON offset covering buffer buf (0..7).
func TRConReg(buf int) uint16 { return CiTR01CON + uint16(buf/2)*2 }

// FilterSIDReg / FilterEIDReg address filter f's match registers.
func FilterSIDReg(f int) uint16 { return CiRXF0SID + uint16(f)*4 }
func FilterEIDReg(f int) uint16 { return CiRXF0SID + 2 + uint16(f)*4 }

// MaskSIDReg / MaskEIDReg address mask m's registers.
func MaskSIDReg(m int) uint16 { return CiRXM0SID + uint16(m)*4 }
func MaskEIDReg(m int) uint16 { return CiRXM0EID + uint16(m)*4 }

// BufPntReg returns the CiBUFPNTn offset holding filter f's pointer nibble.
func BufPntReg(f int) uint16 { return CiBUFPNT1 + uint16(f/4)*2 }

// FMskSelReg returns the CiFMSKSELn offset holding filter f's mask select.
func FMskSelReg(f int) uint16 {
	if f < 8 {
		return CiFMSKSEL1
	}
	return CiFMSKSEL2
}
