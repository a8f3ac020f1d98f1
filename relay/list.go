package relay

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// ListPorts prints the serial ports found on this machine.
func ListPorts(w io.Writer) error {
	ports, err := serial.GetPortsList()
	if err != nil {
		return &Error{Op: "list", Err: err}
	}
	return printPorts(w, ports)
}

func printPorts(w io.Writer, ports []string) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found")
		return err
	}
	for _, name := range ports {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
