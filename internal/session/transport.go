package session

import (
	"bufio"
	"fmt"

	"go.bug.st/serial"
)

// Transport is a byte-oriented, line-delimited link to the relay. The
// session manager is its only caller; workers never touch it directly.
type Transport interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
}

type serialTransport struct {
	port serial.Port
	r    *bufio.Reader
}

// DialSerial opens the relay's serial port in 8N1 mode.
func DialSerial(device string, baud int) (Transport, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return &serialTransport{port: port, r: bufio.NewReader(port)}, nil
}

func (t *serialTransport) WriteLine(line string) error {
	_, err := t.port.Write([]byte(line + "\n"))
	return err
}

func (t *serialTransport) ReadLine() (string, error) {
	return t.r.ReadString('\n')
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
