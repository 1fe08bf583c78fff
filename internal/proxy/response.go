package proxy

import (
	"fmt"
	"io"
	"net/http"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// statusLine renders a bare response: status line plus the empty line
// ending the header block, with no headers and no body.
func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", code, http.StatusText(code))
}

func writeStatus(w io.Writer, code int) error {
	_, err := io.WriteString(w, statusLine(code))
	return err
}
