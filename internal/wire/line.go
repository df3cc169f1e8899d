package wire

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"

	"contun/internal/domain"
)

// ReadLine reads one control-plane line, trimming a trailing \r\n or \n.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > domain.MaxBuffer {
		return "", errors.Wrap(domain.ErrMalformedLine, "line exceeds MAX_BUFFER")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
