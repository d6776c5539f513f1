// Package header encodes and decodes the transfer header that precedes every
// binary payload.
//
// A header is a block of KEY:VALUE lines ended by an empty line:
//
//	SIZE:10000\r\n
//	NAME:report.pdf\r\n
//	RESUME:4000\r\n
//	\r\n
//	<payload>
//
// SIZE is the total file size and NAME the file name. RESUME is optional and
// only written when the payload starts past byte zero. Unknown keys are
// ignored when decoding so peers can add fields.
package header
