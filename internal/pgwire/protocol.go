// Package pgwire implements the PostgreSQL wire protocol front-end:
// enough of the startup handshake, simple query protocol, and error-field
// format to serve interactive analytic clients against a Workspace Engine
// session.
//
// The server lifecycle is the usual listener shape (graceful SIGTERM/SIGINT
// handling with a grace window before a forced stop); the wire framing is
// built directly against the documented PostgreSQL frontend/backend protocol
// using only stdlib net + encoding/binary.
package pgwire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/keboola/storage-backend/internal/errs"
)

// message types this server emits or accepts, per the protocol's tagged
// message framing (1-byte tag + int32 length (inclusive of itself) + body).
const (
	tagAuthentication   = 'R'
	tagParameterStatus  = 'S'
	tagBackendKeyData   = 'K'
	tagReadyForQuery    = 'Z'
	tagRowDescription   = 'T'
	tagDataRow          = 'D'
	tagCommandComplete  = 'C'
	tagErrorResponse    = 'E'
	tagQuery            = 'Q'
	tagTerminate        = 'X'
	tagPasswordMessage  = 'p'
	tagEmptyQueryResp   = 'I'
)

const authOK = 0
const authCleartextPassword = 3

// startupMessage is the one frame with no leading type byte.
type startupMessage struct {
	ProtocolVersion uint32
	Params          map[string]string
}

// readStartupMessage reads the untagged length-prefixed startup packet a
// client sends immediately after connecting (or an SSLRequest, which callers
// must reject before calling this).
func readStartupMessage(r *bufio.Reader) (*startupMessage, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "reading startup message length", err)
	}
	if length < 8 || length > 1<<20 {
		return nil, errs.New(errs.InvalidArgument, "invalid startup message length")
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "reading startup message body", err)
	}

	version := binary.BigEndian.Uint32(body[:4])
	params := map[string]string{}
	rest := body[4:]
	for len(rest) > 1 {
		keyEnd := indexByte(rest, 0)
		if keyEnd < 0 {
			break
		}
		key := string(rest[:keyEnd])
		rest = rest[keyEnd+1:]
		valEnd := indexByte(rest, 0)
		if valEnd < 0 {
			break
		}
		val := string(rest[:valEnd])
		rest = rest[valEnd+1:]
		if key != "" {
			params[key] = val
		}
	}
	return &startupMessage{ProtocolVersion: version, Params: params}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// sslRequestCode is the magic protocol-version value a client sends to probe
// for TLS support before the real startup message.
const sslRequestCode = 80877103

// peekIsSSLRequest reads the 8-byte SSLRequest frame if present and reports
// whether it was one; callers reply 'N' (no SSL) or 'S' (accepted) and then
// proceed to the real startup message.
func peekIsSSLRequest(r *bufio.Reader) (bool, error) {
	head, err := r.Peek(8)
	if err != nil {
		return false, nil
	}
	length := binary.BigEndian.Uint32(head[:4])
	code := binary.BigEndian.Uint32(head[4:8])
	if length == 8 && code == sslRequestCode {
		if _, err := r.Discard(8); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

type frame struct {
	Tag  byte
	Body []byte
}

func readFrame(r *bufio.Reader) (*frame, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "reading message length", err)
	}
	if length < 4 || length > 1<<24 {
		return nil, errs.New(errs.InvalidArgument, "invalid message length")
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "reading message body", err)
	}
	return &frame{Tag: tag, Body: body}, nil
}

func writeMessage(w io.Writer, tag byte, body []byte) error {
	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func writeAuthenticationOK(w io.Writer) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, authOK)
	return writeMessage(w, tagAuthentication, body)
}

func writeAuthenticationCleartextPassword(w io.Writer) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, authCleartextPassword)
	return writeMessage(w, tagAuthentication, body)
}

func writeParameterStatus(w io.Writer, name, value string) error {
	body := append([]byte(name), 0)
	body = append(body, []byte(value)...)
	body = append(body, 0)
	return writeMessage(w, tagParameterStatus, body)
}

func writeBackendKeyData(w io.Writer, pid, secret uint32) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[:4], pid)
	binary.BigEndian.PutUint32(body[4:], secret)
	return writeMessage(w, tagBackendKeyData, body)
}

// transaction status byte values for ReadyForQuery: 'I' idle, 'T' in a
// transaction block, 'E' in a failed transaction block.
const (
	txStatusIdle = 'I'
)

func writeReadyForQuery(w io.Writer, status byte) error {
	return writeMessage(w, tagReadyForQuery, []byte{status})
}

// column describes one RowDescription field; this server always reports
// text-format columns (format code 0), matching the simple query protocol.
type column struct {
	Name string
	OID  uint32
}

// textOID is used for every column regardless of the underlying SQL type;
// clients that need typed results should use a richer driver than the
// simple query protocol this component implements.
const textOID = 25

func writeRowDescription(w io.Writer, cols []column) error {
	body := make([]byte, 0, 64)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(cols)))
	body = append(body, countBuf[:]...)
	for _, c := range cols {
		body = append(body, []byte(c.Name)...)
		body = append(body, 0)
		var tableOID [4]byte
		body = append(body, tableOID[:]...)
		var attrNum [2]byte
		body = append(body, attrNum[:]...)
		var typOID [4]byte
		binary.BigEndian.PutUint32(typOID[:], c.OID)
		body = append(body, typOID[:]...)
		var typLen [2]byte
		binary.BigEndian.PutUint16(typLen[:], 0xFFFF) // variable length
		body = append(body, typLen[:]...)
		var typMod [4]byte
		binary.BigEndian.PutUint32(typMod[:], 0xFFFFFFFF)
		body = append(body, typMod[:]...)
		var formatCode [2]byte
		body = append(body, formatCode[:]...)
	}
	return writeMessage(w, tagRowDescription, body)
}

func writeDataRow(w io.Writer, values []*string) error {
	body := make([]byte, 0, 64)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(values)))
	body = append(body, countBuf[:]...)
	for _, v := range values {
		if v == nil {
			var nullLen [4]byte
			binary.BigEndian.PutUint32(nullLen[:], 0xFFFFFFFF)
			body = append(body, nullLen[:]...)
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(*v)))
		body = append(body, lenBuf[:]...)
		body = append(body, []byte(*v)...)
	}
	return writeMessage(w, tagDataRow, body)
}

func writeCommandComplete(w io.Writer, tag string) error {
	body := append([]byte(tag), 0)
	return writeMessage(w, tagCommandComplete, body)
}

func writeEmptyQueryResponse(w io.Writer) error {
	return writeMessage(w, tagEmptyQueryResp, nil)
}

// errorField codes PostgreSQL defines for ErrorResponse; only the subset
// clients actually render is included.
const (
	fieldSeverity = 'S'
	fieldCode     = 'C'
	fieldMessage  = 'M'
)

// sqlStateFor maps an errs.Code to a PostgreSQL SQLSTATE's
// "error messages in PostgreSQL's error-field format".
func sqlStateFor(code errs.Code) string {
	switch code {
	case errs.InvalidArgument:
		return "22023" // invalid_parameter_value
	case errs.NotFound:
		return "42P01" // undefined_table
	case errs.Conflict:
		return "23505" // unique_violation
	case errs.Unauthenticated:
		return "28P01" // invalid_password
	case errs.PermissionDenied:
		return "42501" // insufficient_privilege
	case errs.ResourceExhausted:
		return "53400" // configuration_limit_exceeded
	case errs.FailedPrecondition:
		return "55000" // object_not_in_prerequisite_state
	case errs.Timeout:
		return "57014" // query_canceled
	default:
		return "58030" // io_error, catch-all
	}
}

func writeErrorResponse(w io.Writer, err error) error {
	code := errs.CodeOf(err)
	body := make([]byte, 0, 64)
	body = append(body, fieldSeverity)
	body = append(body, []byte("ERROR")...)
	body = append(body, 0)
	body = append(body, fieldCode)
	body = append(body, []byte(sqlStateFor(code))...)
	body = append(body, 0)
	body = append(body, fieldMessage)
	body = append(body, []byte(err.Error())...)
	body = append(body, 0)
	body = append(body, 0) // terminator
	return writeMessage(w, tagErrorResponse, body)
}
