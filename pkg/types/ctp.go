package types

import "fmt"

// CTP wire encoding for order direction and offset flags. The char values
// must match the broker API bit-exactly; an unknown value on either side is
// a MappingError, never a silent default.
const (
	ctpBuy        byte = '0'
	ctpSell       byte = '1'
	ctpOpen       byte = '0'
	ctpClose      byte = '1'
	ctpCloseToday byte = '3'
)

// MappingError reports an untranslatable value at the CTP wire boundary.
type MappingError struct {
	Kind  string // "side" or "offset"
	Value string // the offending internal or wire value
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("ctp mapping: unknown %s %q", e.Kind, e.Value)
}

// SideToCTP encodes an internal Side as the CTP direction char.
func SideToCTP(s Side) (byte, error) {
	switch s {
	case BUY:
		return ctpBuy, nil
	case SELL:
		return ctpSell, nil
	default:
		return 0, &MappingError{Kind: "side", Value: string(s)}
	}
}

// CTPToSide decodes a CTP direction char.
func CTPToSide(c byte) (Side, error) {
	switch c {
	case ctpBuy:
		return BUY, nil
	case ctpSell:
		return SELL, nil
	default:
		return "", &MappingError{Kind: "side", Value: string(c)}
	}
}

// OffsetToCTP encodes an internal Offset as the CTP offset flag char.
func OffsetToCTP(o Offset) (byte, error) {
	switch o {
	case OPEN:
		return ctpOpen, nil
	case CLOSE:
		return ctpClose, nil
	case CLOSETODAY:
		return ctpCloseToday, nil
	default:
		return 0, &MappingError{Kind: "offset", Value: string(o)}
	}
}

// CTPToOffset decodes a CTP offset flag char.
func CTPToOffset(c byte) (Offset, error) {
	switch c {
	case ctpOpen:
		return OPEN, nil
	case ctpClose:
		return CLOSE, nil
	case ctpCloseToday:
		return CLOSETODAY, nil
	default:
		return "", &MappingError{Kind: "offset", Value: string(c)}
	}
}
