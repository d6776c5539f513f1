// Package command implements the text verbs of the transfer protocol.
//
// A Registry maps case-insensitive verbs and their aliases to Commands.
// Execute turns every outcome into at most one reply line:
//
//	Error: Unknown command 'FOO'   unknown verb
//	Error: <message>               handler error
//	<result>                       handler result, omitted when empty
//
// The builtin set is ECHO, TIME, CLOSE (aliases EXIT and QUIT), UPLOAD,
// DOWNLOAD and HASH. UPLOAD and DOWNLOAD install a transfer handler on the
// session; the connection driver hands it the bytes that follow.
package command
