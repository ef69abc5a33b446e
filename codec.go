package torgate

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	// opCodec labels errors originating from control protocol framing.
	opCodec = "Codec"

	// crlf terminates every line on the control protocol wire.
	crlf = "\r\n"
)

// Status lines synthesized by the bridge. Codes follow the tor control protocol.
const (
	replyOK              = "250 OK"
	replyClosing         = "250 closing connection"
	replyNoControlPort   = "551 no connection to control port"
	replyUpstreamFailure = "551 control port request failed"
)

// ReadResponse reads one control protocol reply from r. Lines are read until a
// final line ("nnn " prefix) or any line that is not a continuation line
// ("nnn-" or "nnn+"). A "nnn+" line is followed by a data block terminated by a
// lone "."; the block lines are returned verbatim and do not end the reply.
// Returned lines have their CR/LF stripped and keep their original order,
// terminator included.
//
// When the stream ends before a terminator the lines read so far are returned
// together with an ErrProtocol error so callers can treat the reply as unusable.
func ReadResponse(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := readLine(r)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)

		switch {
		case isFinalLine(line):
			return lines, nil
		case isDataLine(line):
			block, err := readDataBlock(r)
			lines = append(lines, block...)
			if err != nil {
				return lines, err
			}
		case isContinuationLine(line):
		default:
			return lines, nil
		}
	}
}

// IsAsyncEvent reports whether line carries an unsolicited event, i.e. its
// three-digit status code begins with 6.
func IsAsyncEvent(line string) bool {
	code, ok := StatusCode(line)
	return ok && code/100 == 6
}

// StatusCode extracts the three-digit status code at the start of line.
func StatusCode(line string) (int, bool) {
	if len(line) < 3 {
		return 0, false
	}
	for i := range 3 {
		if line[i] < '0' || line[i] > '9' {
			return 0, false
		}
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsSuccessReply reports whether the final line of a reply carries a 2xx status.
func IsSuccessReply(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	code, ok := StatusCode(lines[len(lines)-1])
	return ok && code/100 == 2
}

// readLine reads a single CRLF (or LF) terminated line.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line != "" {
				return "", newError(ErrProtocol, opCodec, "line truncated by end of stream", io.ErrUnexpectedEOF)
			}
			return "", newError(ErrProtocol, opCodec, "end of stream before reply terminator", io.ErrUnexpectedEOF)
		}
		return "", newError(ErrIO, opCodec, "failed to read line", err)
	}
	return strings.TrimRight(line, crlf), nil
}

// readDataBlock reads a data block until the terminating "." line. The
// terminator is included so the block can be relayed unchanged.
func readDataBlock(r *bufio.Reader) ([]string, error) {
	var block []string
	for {
		line, err := readLine(r)
		if err != nil {
			return block, err
		}
		block = append(block, line)
		if line == "." {
			return block, nil
		}
	}
}

func hasStatusSeparator(line string, sep byte) bool {
	if _, ok := StatusCode(line); !ok {
		return false
	}
	return len(line) > 3 && line[3] == sep
}

func isFinalLine(line string) bool        { return hasStatusSeparator(line, ' ') }
func isContinuationLine(line string) bool { return hasStatusSeparator(line, '-') }
func isDataLine(line string) bool         { return hasStatusSeparator(line, '+') }

// splitCommand returns the upper-cased verb and the raw argument string of a
// control command line.
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	verb, args, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(args)
}

// writeLines writes each line followed by CRLF and flushes w.
func writeLines(w *bufio.Writer, lines ...string) error {
	for _, line := range lines {
		if _, err := w.WriteString(line + crlf); err != nil {
			return err
		}
	}
	return w.Flush()
}
