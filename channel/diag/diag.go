// Package diag provides a debug fingerprint for logging a bad channel
// entry without putting its raw bytes in the log: a short CRC-16 tag that
// lets an operator tell two occurrences of the same bad packet apart from
// two different ones. It is not a wire checksum, since the channel packet
// data codec carries none; purely a log-correlation aid.
package diag

import "github.com/howeyc/crc16"

var table = crc16.MakeTable(crc16.CCITT)

// Fingerprint returns a short hex tag for data, suitable for a log field
// alongside a FailedToDeserialize event.
func Fingerprint(data []byte) string {
	sum := crc16.Checksum(data, table)
	const hexDigits = "0123456789abcdef"
	return string([]byte{
		hexDigits[sum>>12&0xf],
		hexDigits[sum>>8&0xf],
		hexDigits[sum>>4&0xf],
		hexDigits[sum&0xf],
	})
}
