package pcap

import "github.com/sofiworker/gcap/gerr"

var (
	ErrInvalidMagicNumber  = gerr.ErrUnsupportedMagic
	ErrInvalidFileHeader   = gerr.ErrTruncatedFrame
	ErrInvalidPacketHeader = gerr.ErrInvalidRecord
)

const (
	opRead  = "pcap.read"
	opWrite = "pcap.write"
)
