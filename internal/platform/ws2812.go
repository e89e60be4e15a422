package platform

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"cuebox/internal/led"
)

// wsBitClock is the SPI clock rate used to bit-bang the WS2812 NRZ
// protocol: each LED data bit is encoded as 3 SPI bits (100 for a
// zero, 110 for a one), so a ~2.4MHz SPI clock yields the
// ~1.25us-per-bit timing the strip expects.
const wsBitClock = 2400 * physic.KiloHertz

// wsZero and wsOne are the 3-bit SPI patterns encoding one WS2812 data
// bit, MSB first.
const (
	wsZero = 0b100
	wsOne  = 0b110
)

// SPIDriver renders LED frames to a WS2812 strip over an SPI MOSI
// line, satisfying led.Driver.
type SPIDriver struct {
	conn spi.Conn
}

// OpenWS2812 opens busName (e.g. "SPI0.0") and configures it for
// WS2812 output.
func OpenWS2812(busName string) (*SPIDriver, error) {
	port, err := spireg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("platform: open spi %s: %w", busName, err)
	}
	conn, err := port.Connect(wsBitClock, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("platform: configure spi %s: %w", busName, err)
	}
	return &SPIDriver{conn: conn}, nil
}

// Show encodes pixels as a GRB WS2812 bitstream and writes it in one
// SPI transaction.
func (d *SPIDriver) Show(pixels []led.RGB) error {
	buf := make([]byte, 0, len(pixels)*3*3)
	for _, px := range pixels {
		buf = appendChannel(buf, px.G)
		buf = appendChannel(buf, px.R)
		buf = appendChannel(buf, px.B)
	}
	return d.conn.Tx(buf, nil)
}

// appendChannel expands one 8-bit color channel into its 24-bit (3
// SPI-bytes-worth) WS2812 NRZ encoding and appends it to buf.
func appendChannel(buf []byte, channel uint8) []byte {
	var bits uint32
	for i := 7; i >= 0; i-- {
		bits <<= 3
		if channel&(1<<uint(i)) != 0 {
			bits |= wsOne
		} else {
			bits |= wsZero
		}
	}
	// bits now holds 24 bits, MSB-first; split into 3 bytes.
	return append(buf, byte(bits>>16), byte(bits>>8), byte(bits))
}
