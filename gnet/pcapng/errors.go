package pcapng

import "github.com/sofiworker/gcap/gerr"

var (
	ErrInvalidBlockLength = gerr.ErrInvalidLength
	ErrLengthMismatch     = gerr.ErrBlockLengthMismatch
	ErrInvalidSection     = gerr.ErrInvalidMagic
	ErrBlockMalformed     = gerr.ErrBlockMalformed
	ErrOptionMalformed    = gerr.ErrOptionMalformed
	ErrUnknownInterface   = gerr.ErrInterfaceNotFound
)

const (
	opDecode  = "pcapng.decode"
	opEncode  = "pcapng.encode"
	opSection = "pcapng.section"
	opRead    = "pcapng.read"
	opWrite   = "pcapng.write"
)
